package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/heliosfhir/fhirstore/internal/fhircontent"
	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
	"github.com/heliosfhir/fhirstore/internal/searchparam"
	"github.com/heliosfhir/fhirstore/internal/searchquery"
	"github.com/heliosfhir/fhirstore/internal/storage"
	"github.com/heliosfhir/fhirstore/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSearchBackend is a minimal storage.Backend test double whose only
// exercised method is Search, paginated across pages to match
// loadStoredSearchParams's cursor loop.
type fakeSearchBackend struct {
	pages [][]fhirmodel.StoredResource
}

func (f *fakeSearchBackend) Create(ctx context.Context, tc tenant.Context, r fhirmodel.StoredResource, opts storage.CreateOptions) (fhirmodel.StoredResource, error) {
	return r, nil
}

func (f *fakeSearchBackend) Read(ctx context.Context, tc tenant.Context, resourceType, id string) (fhirmodel.StoredResource, error) {
	return fhirmodel.StoredResource{}, assert.AnError
}

func (f *fakeSearchBackend) Update(ctx context.Context, tc tenant.Context, r fhirmodel.StoredResource, opts storage.UpdateOptions) (fhirmodel.StoredResource, error) {
	return r, nil
}

func (f *fakeSearchBackend) Delete(ctx context.Context, tc tenant.Context, resourceType, id string) error {
	return nil
}

func (f *fakeSearchBackend) ReadVersion(ctx context.Context, tc tenant.Context, resourceType, id string, version fhirmodel.Version) (fhirmodel.StoredResource, error) {
	return fhirmodel.StoredResource{}, assert.AnError
}

func (f *fakeSearchBackend) History(ctx context.Context, tc tenant.Context, resourceType, id string, opts storage.HistoryOptions) ([]fhirmodel.StoredResource, error) {
	return nil, nil
}

func (f *fakeSearchBackend) Search(ctx context.Context, tc tenant.Context, q searchquery.Query) (storage.SearchResult, error) {
	idx := 0
	if q.Cursor != nil {
		idx = int(q.Cursor.Opaque[0])
	}

	result := storage.SearchResult{Resources: f.pages[idx]}

	if idx+1 < len(f.pages) {
		result.Next = &searchquery.Cursor{Backend: "fake", Opaque: []byte{byte(idx + 1)}}
	}

	return result, nil
}

func (f *fakeSearchBackend) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx storage.Backend) error) error {
	return fn(ctx, f)
}

func (f *fakeSearchBackend) Name() string { return "fake" }

func (f *fakeSearchBackend) Capabilities() storage.CapabilitySet {
	return storage.NewCapabilitySet(storage.CapSearch)
}

func (f *fakeSearchBackend) Ping(ctx context.Context) error { return nil }

func searchParamResource(url, code, expression string) fhirmodel.StoredResource {
	content := fhircontent.Object{
		"resourceType": fhircontent.String("SearchParameter"),
		"url":          fhircontent.String(url),
		"code":         fhircontent.String(code),
		"type":         fhircontent.String("string"),
		"expression":   fhircontent.String(expression),
		"status":       fhircontent.String("active"),
		"base":         fhircontent.Array{fhircontent.String("Patient")},
	}

	return fhirmodel.StoredResource{ResourceType: "SearchParameter", ID: code, Content: content}
}

func TestLoadStoredSearchParams_PaginatesAndRegisters(t *testing.T) {
	t.Parallel()

	backend := &fakeSearchBackend{pages: [][]fhirmodel.StoredResource{
		{searchParamResource("http://example.org/sp/custom-a", "custom-a", "Patient.custom")},
		{searchParamResource("http://example.org/sp/custom-b", "custom-b", "Patient.custom2")},
	}}

	registry := searchparam.New()

	n, err := loadStoredSearchParams(context.Background(), backend, registry)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	d, ok := registry.GetByURL("http://example.org/sp/custom-a")
	require.True(t, ok)
	assert.Equal(t, searchparam.SourceStored, d.Source)

	_, ok = registry.GetByURL("http://example.org/sp/custom-b")
	assert.True(t, ok)
}

func TestLoadStoredSearchParams_EmbeddedWinsOverStored(t *testing.T) {
	t.Parallel()

	backend := &fakeSearchBackend{pages: [][]fhirmodel.StoredResource{
		{searchParamResource("http://example.org/sp/dup", "dup", "Patient.dup")},
	}}

	registry := searchparam.New()
	embedded := &searchparam.Definition{URL: "http://example.org/sp/dup", Code: "dup", Expression: "Patient.original", Base: []string{"Patient"}, Status: searchparam.StatusActive, Source: searchparam.SourceEmbedded}
	registry.LoadBulk([]*searchparam.Definition{embedded})

	_, err := loadStoredSearchParams(context.Background(), backend, registry)
	require.NoError(t, err)

	d, ok := registry.GetByURL("http://example.org/sp/dup")
	require.True(t, ok)
	assert.Equal(t, searchparam.SourceEmbedded, d.Source)
	assert.Equal(t, "Patient.original", d.Expression)
}

func TestLoadConfigSearchParams_LoadsFileAsLowestPriority(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "searchparams.json")

	const body = `[{"url":"http://example.org/sp/from-config","code":"from-config","type":"string","expression":"Patient.configured","base":["Patient"],"status":"active"}]`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	registry := searchparam.New()

	n, err := loadConfigSearchParams(registry, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, ok := registry.GetByURL("http://example.org/sp/from-config")
	require.True(t, ok)
	assert.Equal(t, searchparam.SourceConfig, d.Source)
}

func TestLoadConfigSearchParams_MissingFileErrors(t *testing.T) {
	t.Parallel()

	registry := searchparam.New()

	_, err := loadConfigSearchParams(registry, filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
