package cost

import (
	"testing"

	"github.com/heliosfhir/fhirstore/internal/composite/analyzer"
	"github.com/heliosfhir/fhirstore/internal/searchquery"
	"github.com/stretchr/testify/assert"
)

func TestEstimate_IDSearchIsCheapAndConfident(t *testing.T) {
	t.Parallel()

	a := analyzer.Analyze(searchquery.Query{
		ResourceType: "Patient",
		Params:       []searchquery.Parameter{{Name: "_id", Values: []searchquery.Value{{Raw: "p1"}}}},
	})

	idCost := Estimate(a, KindRelational, []string{"_id"}, false)
	broadCost := Estimate(a, KindRelational, nil, false)

	assert.Less(t, idCost.Total, broadCost.Total)
	assert.Greater(t, idCost.Confidence, broadCost.Confidence)
	assert.EqualValues(t, 1, idCost.EstResults)
}

func TestCheapestBackend_PicksMinimum(t *testing.T) {
	t.Parallel()

	a := analyzer.Analyze(searchquery.Query{ResourceType: "Patient"})

	best, _ := CheapestBackend(a, []Candidate{
		{BackendID: "cache", Kind: KindCache},
		{BackendID: "graph", Kind: KindGraph},
	}, nil, false)

	assert.Equal(t, "cache", best)
}
