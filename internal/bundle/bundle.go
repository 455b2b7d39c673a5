// Package bundle implements the transactional and batch bundle executor.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/heliosfhir/fhirstore/internal/ferrors"
	"github.com/heliosfhir/fhirstore/internal/fhircontent"
	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
	"github.com/heliosfhir/fhirstore/internal/mlog"
	"github.com/heliosfhir/fhirstore/internal/searchquery"
	"github.com/heliosfhir/fhirstore/internal/storage"
	"github.com/heliosfhir/fhirstore/internal/tenant"
)

// Method is the HTTP-shaped verb of one bundle entry.
type Method string

const (
	MethodPOST   Method = "POST"
	MethodPUT    Method = "PUT"
	MethodGET    Method = "GET"
	MethodDELETE Method = "DELETE"
	MethodPATCH  Method = "PATCH"
)

// Type distinguishes transactional (all-or-nothing) from batch
// (independent) bundles.
type Type string

const (
	TypeTransaction Type = "transaction"
	TypeBatch       Type = "batch"
)

// Entry is one bundle entry in the request/response sense.
type Entry struct {
	Method      Method
	URL         string
	Resource    fhircontent.Node
	FullURL     string
	IfMatch     string
	IfNoneExist string
}

// EntryResult is the per-entry outcome returned to the caller.
type EntryResult struct {
	Status   int
	Location string
	Resource fhircontent.Node
	Outcome  error
}

// Result is the outcome of executing a whole bundle.
type Result struct {
	Entries []EntryResult
}

// Error is returned when a transactional bundle fails and is rolled back.
type Error struct {
	Index   int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("bundle: entry %d failed: %s", e.Index, e.Message)
}

// compensation is one undo step pushed as entries apply successfully.
type compensation struct {
	kind         string // "delete" or "restore"
	resourceType string
	id           string
	snapshot     *fhirmodel.StoredResource
}

// Executor runs bundles against a single backend.
type Executor struct {
	backend storage.Backend
}

// New builds an Executor over backend.
func New(backend storage.Backend) *Executor {
	return &Executor{backend: backend}
}

// Execute runs bundle according to typ.
func (e *Executor) Execute(ctx context.Context, tc tenant.Context, typ Type, entries []Entry) (Result, error) {
	if typ == TypeBatch {
		return e.executeBatch(ctx, tc, entries), nil
	}

	return e.executeTransaction(ctx, tc, entries)
}

func (e *Executor) executeBatch(ctx context.Context, tc tenant.Context, entries []Entry) Result {
	result := Result{Entries: make([]EntryResult, len(entries))}
	refmap := make(map[string]string)

	for i, entry := range entries {
		rewritten := rewriteReferences(entry, refmap)

		er, newRefmapEntry, _, err := e.applyEntry(ctx, tc, rewritten)
		if err != nil {
			result.Entries[i] = EntryResult{Status: 400, Outcome: err}
			continue
		}

		if newRefmapEntry != nil {
			refmap[newRefmapEntry.fullURL] = newRefmapEntry.key
		}

		result.Entries[i] = er
	}

	return result
}

func (e *Executor) executeTransaction(ctx context.Context, tc tenant.Context, entries []Entry) (Result, error) {
	result := Result{Entries: make([]EntryResult, len(entries))}
	refmap := make(map[string]string)

	var stack []compensation

	log := mlog.FromContext(ctx)

	for i, entry := range entries {
		select {
		case <-ctx.Done():
			e.unwind(ctx, tc, stack, log)
			return result, ctx.Err()
		default:
		}

		rewritten := rewriteReferences(entry, refmap)

		er, newRefmapEntry, comp, err := e.applyEntry(ctx, tc, rewritten)
		if err != nil || er.Status >= 400 {
			msg := fmt.Sprintf("%s %s failed", entry.Method, entry.URL)
			if err != nil {
				msg = err.Error()
			} else if er.Outcome != nil {
				msg = er.Outcome.Error()
			}

			e.unwind(ctx, tc, stack, log)

			return result, &Error{Index: i, Message: msg}
		}

		if newRefmapEntry != nil {
			refmap[newRefmapEntry.fullURL] = newRefmapEntry.key
		}

		if comp != nil {
			stack = append(stack, *comp)
		}

		result.Entries[i] = er
	}

	return result, nil
}

func (e *Executor) unwind(ctx context.Context, tc tenant.Context, stack []compensation, log mlog.Logger) {
	for i := len(stack) - 1; i >= 0; i-- {
		c := stack[i]

		var err error

		switch c.kind {
		case "delete":
			err = e.backend.Delete(ctx, tc, c.resourceType, c.id)
		case "restore":
			if c.snapshot != nil {
				_, err = e.backend.Update(ctx, tc, *c.snapshot, storage.UpdateOptions{})
			}
		}

		if err != nil {
			log.Errorf("bundle: rollback failed for %s/%s: %v", c.resourceType, c.id, err)
		}
	}
}

type refmapEntry struct {
	fullURL string
	key     string
}

// applyEntry executes one entry's method and returns its EntryResult, the
// refmap contribution (if any) and the compensation to push.
func (e *Executor) applyEntry(ctx context.Context, tc tenant.Context, entry Entry) (EntryResult, *refmapEntry, *compensation, error) {
	resourceType, id, parseErr := ParseEntryURL(entry.URL)

	switch entry.Method {
	case MethodPOST:
		resourceType = postResourceType(entry.URL)
		if resourceType == "" && entry.Resource != nil {
			if rt, ok := fhircontent.Field(entry.Resource, "resourceType"); ok {
				if s, ok := rt.(fhircontent.String); ok {
					resourceType = string(s)
				}
			}
		}

		if resourceType == "" {
			return EntryResult{Status: 400, Outcome: fmt.Errorf("bundle: cannot determine resource type for POST %q", entry.URL)}, nil, nil, nil
		}

		var createOpts storage.CreateOptions

		if entry.IfNoneExist != "" {
			q, err := searchquery.ParseQueryString(resourceType, entry.IfNoneExist)
			if err != nil {
				return EntryResult{Status: 400, Outcome: fmt.Errorf("bundle: parse If-None-Exist %q: %w", entry.IfNoneExist, err)}, nil, nil, nil
			}

			createOpts.IfNoneExist = &q
		}

		if createOpts.IfNoneExist != nil {
			match, status, err := e.resolveIfNoneExist(ctx, tc, resourceType, *createOpts.IfNoneExist)
			if err != nil {
				return EntryResult{Status: status, Outcome: err}, nil, nil, nil
			}

			if match != nil {
				return EntryResult{Status: 200, Location: fhirmodel.KeyOf(*match).String() + "/_history/" + string(match.VersionID), Resource: match.Content}, nil, nil, nil
			}
		}

		created, err := e.backend.Create(ctx, tc, fhirmodel.StoredResource{
			ResourceType: resourceType,
			Content:      entry.Resource,
		}, createOpts)
		if err != nil {
			return EntryResult{Status: 400, Outcome: err}, nil, nil, nil
		}

		var rm *refmapEntry
		if entry.FullURL != "" {
			rm = &refmapEntry{fullURL: entry.FullURL, key: fhirmodel.KeyOf(created).String()}
		}

		comp := &compensation{kind: "delete", resourceType: created.ResourceType, id: created.ID}

		return EntryResult{Status: 201, Location: fhirmodel.KeyOf(created).String() + "/_history/" + string(created.VersionID), Resource: created.Content}, rm, comp, nil

	case MethodPUT:
		if parseErr != nil {
			return EntryResult{Status: 400, Outcome: parseErr}, nil, nil, nil
		}

		existing, err := e.backend.Read(ctx, tc, resourceType, id)
		isCreate := err != nil

		var updateOpts storage.UpdateOptions

		if entry.IfMatch != "" {
			v, err := parseIfMatchVersion(entry.IfMatch)
			if err != nil {
				return EntryResult{Status: 400, Outcome: fmt.Errorf("bundle: parse If-Match %q: %w", entry.IfMatch, err)}, nil, nil, nil
			}

			updateOpts.IfMatchVersion = &v
		}

		updated, err := e.backend.Update(ctx, tc, fhirmodel.StoredResource{
			ResourceType: resourceType,
			ID:           id,
			Content:      entry.Resource,
		}, updateOpts)
		if err != nil {
			status := 400
			if errors.Is(err, ferrors.ErrVersionConflict) {
				status = 409
			}

			return EntryResult{Status: status, Outcome: err}, nil, nil, nil
		}

		var comp *compensation
		if isCreate {
			comp = &compensation{kind: "delete", resourceType: resourceType, id: id}
		} else {
			comp = &compensation{kind: "restore", resourceType: resourceType, id: id, snapshot: &existing}
		}

		status := 200
		if isCreate {
			status = 201
		}

		return EntryResult{Status: status, Resource: updated.Content}, nil, comp, nil

	case MethodDELETE:
		if parseErr != nil {
			return EntryResult{Status: 400, Outcome: parseErr}, nil, nil, nil
		}

		existing, readErr := e.backend.Read(ctx, tc, resourceType, id)

		if err := e.backend.Delete(ctx, tc, resourceType, id); err != nil {
			return EntryResult{Status: 400, Outcome: err}, nil, nil, nil
		}

		var comp *compensation
		if readErr == nil {
			comp = &compensation{kind: "restore", resourceType: resourceType, id: id, snapshot: &existing}
		}

		return EntryResult{Status: 204}, nil, comp, nil

	case MethodGET:
		if parseErr != nil {
			return EntryResult{Status: 400, Outcome: parseErr}, nil, nil, nil
		}

		resource, err := e.backend.Read(ctx, tc, resourceType, id)
		if err != nil {
			return EntryResult{Status: 404, Outcome: err}, nil, nil, nil
		}

		return EntryResult{Status: 200, Resource: resource.Content}, nil, nil, nil

	case MethodPATCH:
		return EntryResult{Status: 501, Outcome: fmt.Errorf("bundle: PATCH not supported")}, nil, nil, nil

	default:
		return EntryResult{Status: 400, Outcome: fmt.Errorf("bundle: unsupported method %q", entry.Method)}, nil, nil, nil
	}
}

// resolveIfNoneExist runs the conditional-create precondition q against the
// backend. A nil match with a nil error means no resource matched and the
// caller should proceed with the create; a non-nil match means the create
// is skipped and the existing resource is returned instead (200); more
// than one match is a conflict per FHIR's conditional-create semantics.
func (e *Executor) resolveIfNoneExist(ctx context.Context, tc tenant.Context, resourceType string, q searchquery.Query) (*fhirmodel.StoredResource, int, error) {
	result, err := e.backend.Search(ctx, tc, q)
	if err != nil {
		return nil, 400, fmt.Errorf("bundle: evaluate If-None-Exist: %w", err)
	}

	switch len(result.Resources) {
	case 0:
		return nil, 0, nil
	case 1:
		return &result.Resources[0], 200, nil
	default:
		return nil, 412, &storage.Conflict{Reason: fmt.Sprintf("If-None-Exist on %s matched %d resources", resourceType, len(result.Resources))}
	}
}

// parseIfMatchVersion extracts the version from an entry's If-Match ETag,
// accepting a bare version ("2"), a quoted ETag ("\"2\""), or a weak ETag
// (W/"2").
func parseIfMatchVersion(raw string) (fhirmodel.Version, error) {
	v := strings.TrimSpace(raw)
	v = strings.TrimPrefix(v, "W/")
	v = strings.Trim(v, `"`)

	if v == "" {
		return "", fmt.Errorf("bundle: empty If-Match version")
	}

	if _, err := fhirmodel.Version(v).Int(); err != nil {
		return "", fmt.Errorf("bundle: If-Match version %q is not numeric: %w", v, err)
	}

	return fhirmodel.Version(v), nil
}

// postResourceType extracts the collection name from a POST entry's url
// (e.g. "Patient" or "http://host/fhir/Patient"), ignoring query strings.
func postResourceType(url string) string {
	u := url
	if idx := strings.Index(u, "://"); idx >= 0 {
		rest := u[idx+3:]
		if slash := strings.Index(rest, "/"); slash >= 0 {
			u = rest[slash+1:]
		} else {
			u = ""
		}
	}

	if q := strings.IndexByte(u, '?'); q >= 0 {
		u = u[:q]
	}

	segments := strings.Split(u, "/")
	if len(segments) == 0 {
		return ""
	}

	return segments[len(segments)-1]
}

// ParseEntryURL strips a scheme/host prefix and takes the final two
// non-empty segments as (resourceType, id).
func ParseEntryURL(url string) (resourceType, id string, err error) {
	u := url

	if idx := strings.Index(u, "://"); idx >= 0 {
		rest := u[idx+3:]
		if slash := strings.Index(rest, "/"); slash >= 0 {
			u = rest[slash+1:]
		} else {
			u = ""
		}
	}

	segments := make([]string, 0, 4)

	for _, s := range strings.Split(u, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}

	if len(segments) < 2 {
		return "", "", fmt.Errorf("bundle: cannot parse resource type and id from url %q", url)
	}

	return segments[len(segments)-2], segments[len(segments)-1], nil
}

// rewriteReferences rewrites every "urn:uuid:" reference in entry.Resource
// whose value is present in refmap.
func rewriteReferences(entry Entry, refmap map[string]string) Entry {
	if entry.Resource == nil || len(refmap) == 0 {
		return entry
	}

	entry.Resource = rewriteNode(entry.Resource, refmap)

	return entry
}

func rewriteNode(n fhircontent.Node, refmap map[string]string) fhircontent.Node {
	switch v := n.(type) {
	case fhircontent.Object:
		out := make(fhircontent.Object, len(v))

		for k, child := range v {
			if k == "reference" {
				if s, ok := child.(fhircontent.String); ok {
					if resolved, ok := refmap[string(s)]; ok {
						out[k] = fhircontent.String(resolved)
						continue
					}
				}
			}

			out[k] = rewriteNode(child, refmap)
		}

		return out
	case fhircontent.Array:
		out := make(fhircontent.Array, len(v))
		for i, child := range v {
			out[i] = rewriteNode(child, refmap)
		}

		return out
	default:
		return n
	}
}
