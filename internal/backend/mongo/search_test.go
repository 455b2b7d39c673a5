package mongo

import (
	"testing"

	"github.com/heliosfhir/fhirstore/internal/searchquery"
	"github.com/heliosfhir/fhirstore/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestApplyMongoParameter_ID(t *testing.T) {
	t.Parallel()

	filter := bson.M{}
	require.NoError(t, applyMongoParameter(filter, searchquery.Parameter{Name: "_id", Values: []searchquery.Value{{Raw: "123"}}}))

	assert.Equal(t, bson.M{"$in": []string{"123"}}, filter["resource_id"])
}

func TestApplyMongoParameter_SplitsTokenSystemAndCode(t *testing.T) {
	t.Parallel()

	filter := bson.M{}
	require.NoError(t, applyMongoParameter(filter, searchquery.Parameter{
		Name:   "identifier",
		Values: []searchquery.Value{{Raw: "http://example.org|abc123"}},
	}))

	and, ok := filter["$and"].([]bson.M)
	require.True(t, ok)
	require.Len(t, and, 1)

	elemMatch := and[0]["idx"].(bson.M)["$elemMatch"].(bson.M)
	assert.Equal(t, "identifier", elemMatch["n"])

	or := elemMatch["$or"].([]bson.M)
	assert.Contains(t, or, bson.M{"sys": "http://example.org", "c": "abc123"})
}

func TestApplyMongoParameter_LastUpdatedPrefix(t *testing.T) {
	t.Parallel()

	filter := bson.M{}
	require.NoError(t, applyMongoParameter(filter, searchquery.Parameter{
		Name:   "_lastUpdated",
		Values: []searchquery.Value{{Prefix: searchquery.PrefixGT, Raw: "2024-01-01T00:00:00Z"}},
	}))

	lastUpdated, ok := filter["last_updated"].(bson.M)
	require.True(t, ok)
	assert.Contains(t, lastUpdated, "$gt")
}

func TestApplyMongoParameter_Missing(t *testing.T) {
	t.Parallel()

	filter := bson.M{}
	require.NoError(t, applyMongoParameter(filter, searchquery.Parameter{
		Name:     "deceased",
		Modifier: searchquery.ModifierMissing,
		Values:   []searchquery.Value{{Raw: "true"}},
	}))

	and, ok := filter["$and"].([]bson.M)
	require.True(t, ok)
	require.Len(t, and, 1)

	_, hasNot := and[0]["idx"].(bson.M)["$not"]
	assert.True(t, hasNot)
}

func TestApplyMongoParameter_Exact(t *testing.T) {
	t.Parallel()

	filter := bson.M{}
	require.NoError(t, applyMongoParameter(filter, searchquery.Parameter{
		Name:     "family",
		Modifier: searchquery.ModifierExact,
		Values:   []searchquery.Value{{Raw: "Smith"}},
	}))

	and := filter["$and"].([]bson.M)
	elemMatch := and[0]["idx"].(bson.M)["$elemMatch"].(bson.M)
	assert.Equal(t, "Smith", elemMatch["s"])
}

func TestDocumentID_ScopesByTenant(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "acme:123", documentID(tenant.ID("acme"), "123"))
	assert.NotEqual(t, documentID(tenant.ID("acme"), "123"), documentID(tenant.ID("other"), "123"))
}

func TestCollectionName_Lowercased(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "patient", collectionName("Patient"))
	assert.Equal(t, "patient_history", historyCollectionName("Patient"))
}

func TestSplitToken(t *testing.T) {
	t.Parallel()

	system, code, ok := splitToken("http://example.org|abc123")
	require.True(t, ok)
	assert.Equal(t, "http://example.org", system)
	assert.Equal(t, "abc123", code)

	_, _, ok = splitToken("abc123")
	assert.False(t, ok)
}
