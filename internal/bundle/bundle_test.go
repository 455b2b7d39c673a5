package bundle

import (
	"context"
	"fmt"
	"testing"

	"github.com/heliosfhir/fhirstore/internal/ferrors"
	"github.com/heliosfhir/fhirstore/internal/fhircontent"
	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
	"github.com/heliosfhir/fhirstore/internal/searchquery"
	"github.com/heliosfhir/fhirstore/internal/storage"
	"github.com/heliosfhir/fhirstore/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBackend is a tiny in-memory storage.Backend test double sufficient
// to exercise the bundle executor's compensation stack.
type memBackend struct {
	data          map[string]fhirmodel.StoredResource
	failCreate    map[string]bool
	nextID        int
	searchMatches []fhirmodel.StoredResource
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[string]fhirmodel.StoredResource), failCreate: make(map[string]bool)}
}

func (b *memBackend) key(rt, id string) string { return rt + "/" + id }

func (b *memBackend) Create(ctx context.Context, tc tenant.Context, r fhirmodel.StoredResource, opts storage.CreateOptions) (fhirmodel.StoredResource, error) {
	if b.failCreate[r.ResourceType] {
		return fhirmodel.StoredResource{}, fmt.Errorf("simulated failure creating %s", r.ResourceType)
	}

	b.nextID++
	r.ID = fmt.Sprintf("%d", b.nextID)
	r.VersionID = fhirmodel.FirstVersion
	b.data[b.key(r.ResourceType, r.ID)] = r

	return r, nil
}

func (b *memBackend) Read(ctx context.Context, tc tenant.Context, resourceType, id string) (fhirmodel.StoredResource, error) {
	r, ok := b.data[b.key(resourceType, id)]
	if !ok {
		return fhirmodel.StoredResource{}, fmt.Errorf("not found")
	}

	return r, nil
}

func (b *memBackend) Update(ctx context.Context, tc tenant.Context, r fhirmodel.StoredResource, opts storage.UpdateOptions) (fhirmodel.StoredResource, error) {
	existing, ok := b.data[b.key(r.ResourceType, r.ID)]

	if ok && opts.IfMatchVersion != nil && existing.VersionID != *opts.IfMatchVersion {
		return fhirmodel.StoredResource{}, ferrors.VersionConflictError{
			Expected: string(*opts.IfMatchVersion),
			Actual:   string(existing.VersionID),
		}
	}

	if ok {
		next, _ := existing.VersionID.Next()
		r.VersionID = next
	} else {
		r.VersionID = fhirmodel.FirstVersion
	}

	b.data[b.key(r.ResourceType, r.ID)] = r

	return r, nil
}

func (b *memBackend) Delete(ctx context.Context, tc tenant.Context, resourceType, id string) error {
	delete(b.data, b.key(resourceType, id))
	return nil
}

func (b *memBackend) ReadVersion(ctx context.Context, tc tenant.Context, resourceType, id string, version fhirmodel.Version) (fhirmodel.StoredResource, error) {
	return fhirmodel.StoredResource{}, nil
}

func (b *memBackend) History(ctx context.Context, tc tenant.Context, resourceType, id string, opts storage.HistoryOptions) ([]fhirmodel.StoredResource, error) {
	return nil, nil
}

func (b *memBackend) Search(ctx context.Context, tc tenant.Context, q searchquery.Query) (storage.SearchResult, error) {
	return storage.SearchResult{Resources: b.searchMatches}, nil
}

func (b *memBackend) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx storage.Backend) error) error {
	return fn(ctx, b)
}

func (b *memBackend) Name() string                       { return "mem" }
func (b *memBackend) Capabilities() storage.CapabilitySet { return storage.NewCapabilitySet(storage.CapCRUD) }
func (b *memBackend) Ping(ctx context.Context) error      { return nil }

func patientContent() fhircontent.Node {
	n, _ := fhircontent.Parse([]byte(`{"resourceType":"Patient"}`))
	return n
}

func observationContent() fhircontent.Node {
	n, _ := fhircontent.Parse([]byte(`{"resourceType":"Observation","status":"final"}`))
	return n
}

func observationContentUpdated() fhircontent.Node {
	n, _ := fhircontent.Parse([]byte(`{"resourceType":"Observation","status":"amended"}`))
	return n
}

func TestExecute_TransactionCompensatesOnFailure(t *testing.T) {
	t.Parallel()

	backend := newMemBackend()
	backend.data["Observation/o1"] = fhirmodel.StoredResource{ResourceType: "Observation", ID: "o1", VersionID: "3", Content: observationContent()}
	backend.failCreate["Condition"] = true

	ex := New(backend)

	tc, err := tenant.New("acme", tenant.AllResourceTypes(tenant.OpTransaction))
	require.NoError(t, err)

	entries := []Entry{
		{Method: MethodPOST, URL: "Patient", Resource: patientContent(), FullURL: "urn:uuid:p1"},
		{Method: MethodPUT, URL: "Observation/o1", Resource: observationContentUpdated()},
		{Method: MethodPOST, URL: "Condition", Resource: patientContent()},
	}

	_, err = ex.Execute(context.Background(), tc, TypeTransaction, entries)
	require.Error(t, err)

	var bundleErr *Error
	require.ErrorAs(t, err, &bundleErr)
	assert.Equal(t, 2, bundleErr.Index)

	_, err = backend.Read(context.Background(), tc, "Patient", "1")
	assert.Error(t, err, "created Patient must be rolled back")

	restored, err := backend.Read(context.Background(), tc, "Observation", "o1")
	require.NoError(t, err)
	assert.Equal(t, observationContent(), restored.Content, "Observation content must be restored to its pre-bundle snapshot")
}

func TestApplyEntry_IfNoneExistNoMatchCreates(t *testing.T) {
	t.Parallel()

	backend := newMemBackend()
	ex := New(backend)
	tc, err := tenant.New("acme", tenant.AllResourceTypes(tenant.OpTransaction))
	require.NoError(t, err)

	entries := []Entry{
		{Method: MethodPOST, URL: "Patient", Resource: patientContent(), IfNoneExist: "identifier=123"},
	}

	result := ex.executeBatch(context.Background(), tc, entries)
	require.Equal(t, 201, result.Entries[0].Status, result.Entries[0].Outcome)
}

func TestApplyEntry_IfNoneExistOneMatchReturnsExisting(t *testing.T) {
	t.Parallel()

	backend := newMemBackend()
	backend.searchMatches = []fhirmodel.StoredResource{
		{ResourceType: "Patient", ID: "p1", VersionID: "1", Content: patientContent()},
	}

	ex := New(backend)
	tc, err := tenant.New("acme", tenant.AllResourceTypes(tenant.OpTransaction))
	require.NoError(t, err)

	entries := []Entry{
		{Method: MethodPOST, URL: "Patient", Resource: patientContent(), IfNoneExist: "identifier=123"},
	}

	result := ex.executeBatch(context.Background(), tc, entries)
	assert.Equal(t, 200, result.Entries[0].Status)
	assert.NoError(t, result.Entries[0].Outcome)

	_, err = backend.Read(context.Background(), tc, "Patient", "p1")
	require.NoError(t, err)
	assert.Empty(t, backend.nextID, "no new resource should have been created")
}

func TestApplyEntry_IfNoneExistMultipleMatchesConflicts(t *testing.T) {
	t.Parallel()

	backend := newMemBackend()
	backend.searchMatches = []fhirmodel.StoredResource{
		{ResourceType: "Patient", ID: "p1", Content: patientContent()},
		{ResourceType: "Patient", ID: "p2", Content: patientContent()},
	}

	ex := New(backend)
	tc, err := tenant.New("acme", tenant.AllResourceTypes(tenant.OpTransaction))
	require.NoError(t, err)

	entries := []Entry{
		{Method: MethodPOST, URL: "Patient", Resource: patientContent(), IfNoneExist: "identifier=123"},
	}

	result := ex.executeBatch(context.Background(), tc, entries)
	assert.Equal(t, 412, result.Entries[0].Status)
	require.Error(t, result.Entries[0].Outcome)
	assert.ErrorIs(t, result.Entries[0].Outcome, ferrors.ErrMultipleMatches)
}

func TestApplyEntry_IfMatchVersionConflict(t *testing.T) {
	t.Parallel()

	backend := newMemBackend()
	backend.data["Observation/o1"] = fhirmodel.StoredResource{ResourceType: "Observation", ID: "o1", VersionID: "3", Content: observationContent()}

	ex := New(backend)
	tc, err := tenant.New("acme", tenant.AllResourceTypes(tenant.OpTransaction))
	require.NoError(t, err)

	entries := []Entry{
		{Method: MethodPUT, URL: "Observation/o1", Resource: observationContentUpdated(), IfMatch: `W/"1"`},
	}

	result := ex.executeBatch(context.Background(), tc, entries)
	assert.Equal(t, 409, result.Entries[0].Status)
	require.Error(t, result.Entries[0].Outcome)
	assert.ErrorIs(t, result.Entries[0].Outcome, ferrors.ErrVersionConflict)
}

func TestApplyEntry_IfMatchVersionMatches(t *testing.T) {
	t.Parallel()

	backend := newMemBackend()
	backend.data["Observation/o1"] = fhirmodel.StoredResource{ResourceType: "Observation", ID: "o1", VersionID: "3", Content: observationContent()}

	ex := New(backend)
	tc, err := tenant.New("acme", tenant.AllResourceTypes(tenant.OpTransaction))
	require.NoError(t, err)

	entries := []Entry{
		{Method: MethodPUT, URL: "Observation/o1", Resource: observationContentUpdated(), IfMatch: `W/"3"`},
	}

	result := ex.executeBatch(context.Background(), tc, entries)
	assert.Equal(t, 200, result.Entries[0].Status, result.Entries[0].Outcome)
}

func TestParseEntryURL(t *testing.T) {
	t.Parallel()

	rt, id, err := ParseEntryURL("http://example.org/fhir/Patient/p1")
	require.NoError(t, err)
	assert.Equal(t, "Patient", rt)
	assert.Equal(t, "p1", id)

	_, _, err = ParseEntryURL("Patient")
	assert.Error(t, err)
}
