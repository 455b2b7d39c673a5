package searchparam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDef(url, code string, base ...string) *Definition {
	return &Definition{
		URL:        url,
		Code:       code,
		Type:       "string",
		Expression: "Patient." + code,
		Base:       base,
		Status:     StatusActive,
		Source:     SourceEmbedded,
	}
}

func TestRegistry_RegisterGetUnregister(t *testing.T) {
	t.Parallel()

	r := New()
	d := testDef("http://example.org/sp/test", "test", "Patient")

	require.NoError(t, r.Register(d))
	assert.Equal(t, 1, r.Len())

	found, ok := r.GetByURL("http://example.org/sp/test")
	assert.True(t, ok)
	assert.Equal(t, "test", found.Code)

	found, ok = r.GetParam("Patient", "test")
	assert.True(t, ok)
	assert.Equal(t, "test", found.Code)

	active := r.GetActiveParams("Patient")
	assert.Len(t, active, 1)

	require.NoError(t, r.UpdateStatus("http://example.org/sp/test", StatusRetired))
	assert.Empty(t, r.GetActiveParams("Patient"))

	require.NoError(t, r.Unregister("http://example.org/sp/test"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_DuplicateURL(t *testing.T) {
	t.Parallel()

	r := New()
	d := testDef("http://example.org/sp/test", "test", "Patient")

	require.NoError(t, r.Register(d))

	err := r.Register(d)
	var dupErr *ErrDuplicateURL
	assert.ErrorAs(t, err, &dupErr)
}

func TestRegistry_LoadBulkFirstWriterWins(t *testing.T) {
	t.Parallel()

	r := New()

	embedded := testDef("http://example.org/sp/test", "test", "Patient")
	embedded.Source = SourceEmbedded

	stored := testDef("http://example.org/sp/test", "test", "Patient")
	stored.Source = SourceStored
	stored.Name = "overridden"

	n := r.LoadBulk([]*Definition{embedded})
	assert.Equal(t, 1, n)

	n = r.LoadBulk([]*Definition{stored})
	assert.Equal(t, 0, n, "duplicate url should be skipped")

	found, ok := r.GetByURL("http://example.org/sp/test")
	require.True(t, ok)
	assert.Equal(t, SourceEmbedded, found.Source)
}

func TestRegistry_Subscribe(t *testing.T) {
	t.Parallel()

	r := New()
	updates := r.Subscribe()

	require.NoError(t, r.Register(testDef("http://example.org/sp/a", "a", "Patient")))

	select {
	case u := <-updates:
		assert.Equal(t, UpdateAdded, u.Kind)
		assert.Equal(t, "http://example.org/sp/a", u.URL)
	default:
		t.Fatal("expected an update to be buffered")
	}
}

func TestRegistry_UniversalBasesApplyToEveryResourceType(t *testing.T) {
	t.Parallel()

	r := New()

	id := testDef("http://hl7.org/fhir/SearchParameter/Resource-id", "_id", "Resource")
	lastUpdated := testDef("http://hl7.org/fhir/SearchParameter/Resource-lastUpdated", "_lastUpdated", "Resource")
	text := testDef("http://hl7.org/fhir/SearchParameter/DomainResource-text", "_text", "DomainResource")
	name := testDef("http://example.org/sp/Patient-name", "name", "Patient")

	require.NoError(t, r.Register(id))
	require.NoError(t, r.Register(lastUpdated))
	require.NoError(t, r.Register(text))
	require.NoError(t, r.Register(name))

	active := r.GetActiveParams("Patient")
	codes := make(map[string]bool, len(active))

	for _, d := range active {
		codes[d.Code] = true
	}

	assert.True(t, codes["_id"], "universal Resource-based param must apply to Patient")
	assert.True(t, codes["_lastUpdated"], "universal Resource-based param must apply to Patient")
	assert.True(t, codes["_text"], "universal DomainResource-based param must apply to Patient")
	assert.True(t, codes["name"], "concrete Patient param must still apply")

	d, ok := r.GetParam("Encounter", "_id")
	require.True(t, ok)
	assert.Equal(t, "_id", d.Code)

	_, ok = r.GetParam("Patient", "no-such-code")
	assert.False(t, ok)
}

func TestRegistry_GetActiveParams_NoUniversalDuplicationForResourceItself(t *testing.T) {
	t.Parallel()

	r := New()

	id := testDef("http://hl7.org/fhir/SearchParameter/Resource-id", "_id", "Resource")
	require.NoError(t, r.Register(id))

	active := r.GetActiveParams("Resource")
	assert.Len(t, active, 1, "Resource bucket must not be counted twice against itself")
}

func TestRegistry_NotFound(t *testing.T) {
	t.Parallel()

	r := New()

	err := r.Unregister("http://example.org/missing")
	var notFound *ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}
