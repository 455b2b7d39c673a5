package merger

import (
	"testing"

	"github.com/heliosfhir/fhirstore/internal/composite/router"
	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
	"github.com/heliosfhir/fhirstore/internal/storage"
	"github.com/stretchr/testify/assert"
)

func res(rt, id string) fhirmodel.StoredResource {
	return fhirmodel.StoredResource{ResourceType: rt, ID: id}
}

func TestMerge_Intersection(t *testing.T) {
	t.Parallel()

	primary := storage.SearchResult{Resources: []fhirmodel.StoredResource{res("Patient", "1"), res("Patient", "2")}}
	aux := Auxiliary{BackendID: "es", Result: storage.SearchResult{Resources: []fhirmodel.StoredResource{res("Patient", "1")}}}

	out := Merge(router.MergeIntersection, primary, []Auxiliary{aux}, Options{})

	assert.Len(t, out.Resources, 1)
	assert.Equal(t, "1", out.Resources[0].ID)
}

func TestMerge_Union(t *testing.T) {
	t.Parallel()

	primary := storage.SearchResult{Resources: []fhirmodel.StoredResource{res("Patient", "1")}}
	aux := Auxiliary{BackendID: "es", Result: storage.SearchResult{Resources: []fhirmodel.StoredResource{res("Patient", "1"), res("Patient", "2")}}}

	out := Merge(router.MergeUnion, primary, []Auxiliary{aux}, Options{})

	assert.Len(t, out.Resources, 2)
}

func TestMerge_SecondaryFiltered(t *testing.T) {
	t.Parallel()

	primary := storage.SearchResult{Resources: []fhirmodel.StoredResource{res("Patient", "1"), res("Patient", "2")}}
	aux := Auxiliary{BackendID: "neo4j", Result: storage.SearchResult{Resources: []fhirmodel.StoredResource{res("Patient", "2")}}}

	out := Merge(router.MergeSecondaryFiltered, primary, []Auxiliary{aux}, Options{})

	assert.Len(t, out.Resources, 1)
	assert.Equal(t, "2", out.Resources[0].ID)
}

func TestMerge_PrimaryEnriched(t *testing.T) {
	t.Parallel()

	primary := storage.SearchResult{Resources: []fhirmodel.StoredResource{res("Patient", "1")}}
	out := Merge(router.MergePrimaryEnriched, primary, nil, Options{})

	assert.Len(t, out.Resources, 1)
}

func TestMerge_MaxResultsCap(t *testing.T) {
	t.Parallel()

	var resources []fhirmodel.StoredResource
	for i := 0; i < 5; i++ {
		resources = append(resources, res("Patient", string(rune('a'+i))))
	}

	primary := storage.SearchResult{Resources: resources}
	out := Merge(router.MergePrimaryEnriched, primary, nil, Options{MaxResults: 2})

	assert.Len(t, out.Resources, 2)
}
