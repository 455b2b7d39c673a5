// Package storage defines the contract every backend (postgres, mongo,
// cache, ...) implements, and the capability set a backend advertises so
// the composite router can route per-operation.
package storage

import (
	"context"
	"errors"

	"github.com/heliosfhir/fhirstore/internal/ferrors"
	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
	"github.com/heliosfhir/fhirstore/internal/searchquery"
	"github.com/heliosfhir/fhirstore/internal/tenant"
)

// Capability is a single bit of backend functionality.
type Capability uint32

const (
	CapCRUD Capability = 1 << iota
	CapConditional
	CapVersioned
	CapTransaction
	CapSearch
	CapTextSearch
	CapHistory
	CapIncludes
)

// CapabilitySet is a bitset of Capability flags.
type CapabilitySet uint32

// Has reports whether every bit in c is set.
func (s CapabilitySet) Has(c Capability) bool {
	return uint32(s)&uint32(c) == uint32(c)
}

// With returns a copy of s with c added.
func (s CapabilitySet) With(c Capability) CapabilitySet {
	return CapabilitySet(uint32(s) | uint32(c))
}

// NewCapabilitySet builds a CapabilitySet from individual capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s = s.With(c)
	}

	return s
}

// Conflict is raised by a conditional create when If-None-Exist matches
// more than one resource, per FHIR's conditional-create semantics.
type Conflict struct {
	Reason string
}

func (e *Conflict) Error() string { return "storage: conflict: " + e.Reason }

// Is lets errors.Is(err, ferrors.ErrMultipleMatches) recognize a Conflict.
func (e *Conflict) Is(target error) bool { return errors.Is(target, ferrors.ErrMultipleMatches) }

// CreateOptions carries the optional conditional-create precondition
// ("if-none-exist" semantics).
type CreateOptions struct {
	IfNoneExist *searchquery.Query
}

// UpdateOptions carries optimistic-concurrency and conditional-update
// preconditions.
type UpdateOptions struct {
	IfMatchVersion *fhirmodel.Version
	IfNoneMatch    bool
}

// HistoryOptions bounds a history listing.
type HistoryOptions struct {
	Since *fhirmodel.Version
	Count int
}

// SearchResult is one page of a search, with the cursor to fetch the next
// page (nil when exhausted).
type SearchResult struct {
	Resources []fhirmodel.StoredResource
	Total     *int64
	Next      *searchquery.Cursor
	Included  []fhirmodel.StoredResource
}

// CRUD is the baseline read/write contract every backend must implement.
type CRUD interface {
	Create(ctx context.Context, tc tenant.Context, r fhirmodel.StoredResource, opts CreateOptions) (fhirmodel.StoredResource, error)
	Read(ctx context.Context, tc tenant.Context, resourceType, id string) (fhirmodel.StoredResource, error)
	Update(ctx context.Context, tc tenant.Context, r fhirmodel.StoredResource, opts UpdateOptions) (fhirmodel.StoredResource, error)
	Delete(ctx context.Context, tc tenant.Context, resourceType, id string) error
}

// Versioned is implemented by backends advertising CapVersioned/CapHistory.
type Versioned interface {
	ReadVersion(ctx context.Context, tc tenant.Context, resourceType, id string, version fhirmodel.Version) (fhirmodel.StoredResource, error)
	History(ctx context.Context, tc tenant.Context, resourceType, id string, opts HistoryOptions) ([]fhirmodel.StoredResource, error)
}

// Searchable is implemented by backends advertising CapSearch.
type Searchable interface {
	Search(ctx context.Context, tc tenant.Context, q searchquery.Query) (SearchResult, error)
}

// Transactional is implemented by backends advertising CapTransaction; the
// callback runs with a Backend scoped to a single storage transaction, and
// a non-nil return rolls the transaction back.
type Transactional interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Backend) error) error
}

// Backend is the full contract a storage implementation may satisfy. Not
// every method is necessarily usable: callers must check Capabilities()
// before invoking a method outside CRUD.
type Backend interface {
	CRUD
	Versioned
	Searchable
	Transactional

	Name() string
	Capabilities() CapabilitySet
	Ping(ctx context.Context) error
}
