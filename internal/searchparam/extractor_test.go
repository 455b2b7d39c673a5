package searchparam

import (
	"context"
	"testing"

	"github.com/heliosfhir/fhirstore/internal/fhircontent"
	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractor_Extract(t *testing.T) {
	t.Parallel()

	reg := New()
	require.NoError(t, reg.Register(&Definition{
		URL:        "http://example.org/sp/Patient-family",
		Code:       "family",
		Type:       fhirmodel.ParamString,
		Expression: "Patient.name.family",
		Base:       []string{"Patient"},
		Status:     StatusActive,
	}))

	ex := NewExtractor(reg, nil)

	raw := []byte(`{
		"resourceType": "Patient",
		"id": "p1",
		"name": [{"family": "Smith"}, {"family": "Jones"}]
	}`)

	node, err := fhircontent.Parse(raw)
	require.NoError(t, err)

	r := fhirmodel.StoredResource{ResourceType: "Patient", ID: "p1", Content: node}

	values, err := ex.Extract(context.Background(), r)
	require.NoError(t, err)
	require.Len(t, values, 2)

	assert.Equal(t, "family", values[0].ParamName)
	assert.Equal(t, "Smith", values[0].Value.Canonical())
	assert.Equal(t, "Jones", values[1].Value.Canonical())
}

func TestExtractor_ResourceTypeMismatch(t *testing.T) {
	t.Parallel()

	ex := NewExtractor(New(), nil)

	node, err := fhircontent.Parse([]byte(`{"resourceType": "Observation"}`))
	require.NoError(t, err)

	_, err = ex.Extract(context.Background(), fhirmodel.StoredResource{ResourceType: "Patient", Content: node})
	assert.Error(t, err)
}
