// Package ferrors implements the error taxonomy shared across the
// persistence engine: sentinel kinds, typed user-facing errors, and the
// dispatcher that maps one to the other.
package ferrors

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Components return these (optionally wrapped with
// fmt.Errorf("%w: ...", Kind)) and callers at the boundary translate them
// with Translate into a typed, user-facing error.
var (
	ErrNotFound               = errors.New("resource.not_found")
	ErrGone                   = errors.New("resource.gone")
	ErrAlreadyExists          = errors.New("resource.already_exists")
	ErrVersionNotFound        = errors.New("resource.version_not_found")
	ErrVersionConflict        = errors.New("concurrency.version_conflict")
	ErrLockTimeout            = errors.New("concurrency.lock_timeout")
	ErrInvalidResource        = errors.New("validation.invalid_resource")
	ErrInvalidReference       = errors.New("validation.invalid_reference")
	ErrInvalidParameter       = errors.New("validation.invalid_parameter")
	ErrAccessDenied           = errors.New("tenant.access_denied")
	ErrTenantSuspended        = errors.New("tenant.suspended")
	ErrCrossTenant            = errors.New("tenant.cross_tenant")
	ErrUnsupportedModifier    = errors.New("search.unsupported_modifier")
	ErrUnsupportedParameter   = errors.New("search.unsupported_parameter")
	ErrUnsupportedCursor      = errors.New("search.unsupported_cursor")
	ErrSearchNotSupported     = errors.New("search.not_supported")
	ErrMultipleMatches        = errors.New("transaction.multiple_matches")
	ErrBundleError            = errors.New("transaction.bundle_error")
	ErrUnsupportedCapability  = errors.New("backend.unsupported_capability")
	ErrBackendInternal        = errors.New("backend.internal")
	ErrBackendConnection      = errors.New("backend.connection_failed")
	ErrDuplicateURL           = errors.New("registry.duplicate_url")
	ErrNoPrimaryBackend       = errors.New("router.no_primary_backend")
)

// Kind is the typed, user-facing form of an error. Code mirrors one of the
// sentinels above rendered as a string; HTTPStatus is the associated status
// code, kept here for collaborators (e.g. a REST adapter) that need it
// without reimplementing the table.
type Kind struct {
	EntityType string
	Code       string
	Title      string
	Message    string
	HTTPStatus int
	Err        error
}

func (k Kind) Error() string {
	if k.Message != "" {
		return k.Message
	}

	if k.Err != nil {
		return k.Err.Error()
	}

	return k.Code
}

func (k Kind) Unwrap() error { return k.Err }

// Is lets errors.Is(Kind{...}, sentinel) work by comparing against the
// wrapped sentinel, which is how Translate itself recognizes a kind that
// has already been translated once.
func (k Kind) Is(target error) bool {
	return errors.Is(k.Err, target)
}

type entry struct {
	sentinel   error
	title      string
	message    string
	httpStatus int
}

var table = []entry{
	{ErrNotFound, "Resource Not Found", "No resource was found for the given id.", 404},
	{ErrGone, "Resource Gone", "The resource existed but has been deleted.", 410},
	{ErrAlreadyExists, "Resource Already Exists", "A resource with this id already exists.", 409},
	{ErrVersionNotFound, "Version Not Found", "No history entry exists for the requested version.", 404},
	{ErrVersionConflict, "Version Conflict", "The version supplied does not match the current version.", 409},
	{ErrLockTimeout, "Backend Lock Timeout", "The backend could not acquire a lock in time.", 500},
	{ErrInvalidResource, "Invalid Resource", "The resource failed validation.", 400},
	{ErrInvalidReference, "Invalid Reference", "A reference in the resource could not be resolved or is malformed.", 400},
	{ErrInvalidParameter, "Invalid Parameter", "A search parameter or modifier is invalid for this resource type.", 400},
	{ErrAccessDenied, "Access Denied", "The current tenant context does not permit this operation.", 403},
	{ErrTenantSuspended, "Tenant Suspended", "The tenant is suspended.", 403},
	{ErrCrossTenant, "Cross Tenant Access", "The operation would cross a tenant boundary.", 403},
	{ErrUnsupportedModifier, "Unsupported Modifier", "The requested modifier is not supported for this parameter.", 400},
	{ErrUnsupportedParameter, "Unsupported Parameter", "The requested search parameter is not registered.", 400},
	{ErrUnsupportedCursor, "Unsupported Cursor", "The page cursor could not be decoded.", 400},
	{ErrSearchNotSupported, "Search Not Supported", "The backend does not support this kind of search.", 501},
	{ErrMultipleMatches, "Multiple Matches", "A conditional operation matched more than one resource.", 412},
	{ErrBundleError, "Bundle Error", "A bundle entry failed.", 400},
	{ErrUnsupportedCapability, "Unsupported Capability", "The backend does not declare the capability this call requires.", 501},
	{ErrBackendInternal, "Backend Internal Error", "The backend encountered an unexpected error.", 500},
	{ErrBackendConnection, "Backend Connection Failed", "The backend connection could not be established.", 500},
	{ErrDuplicateURL, "Duplicate Parameter URL", "A search parameter with this url is already registered.", 409},
	{ErrNoPrimaryBackend, "No Primary Backend", "The composite configuration has no primary backend.", 500},
}

// Translate maps a sentinel-wrapped error to its typed, user-facing Kind.
// If err does not match any known sentinel it is wrapped as
// ErrBackendInternal so callers always get a structured error back.
func Translate(err error, entityType string, args ...any) error {
	if err == nil {
		return nil
	}

	var already Kind
	if errors.As(err, &already) {
		return err
	}

	for _, e := range table {
		if errors.Is(err, e.sentinel) {
			msg := e.message
			if len(args) > 0 {
				msg = fmt.Sprintf(e.message+" (%v)", args)
			}

			return Kind{
				EntityType: entityType,
				Code:       e.sentinel.Error(),
				Title:      e.title,
				Message:    msg,
				HTTPStatus: e.httpStatus,
				Err:        err,
			}
		}
	}

	return Kind{
		EntityType: entityType,
		Code:       ErrBackendInternal.Error(),
		Title:      "Internal Error",
		Message:    "An unexpected error occurred.",
		HTTPStatus: 500,
		Err:        err,
	}
}

// BundleError is the structured Transaction.BundleError{index, message}
// outcome for one failed bundle entry.
type BundleError struct {
	Index   int
	Message string
}

func (e BundleError) Error() string {
	return fmt.Sprintf("bundle entry %d failed: %s", e.Index, e.Message)
}

func (e BundleError) Is(target error) bool {
	return errors.Is(target, ErrBundleError)
}

// VersionConflictError carries the expected/actual versions for a
// concurrent-update conflict.
type VersionConflictError struct {
	Expected string
	Actual   string
}

func (e VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %q, actual %q", e.Expected, e.Actual)
}

func (e VersionConflictError) Is(target error) bool {
	return errors.Is(target, ErrVersionConflict)
}
