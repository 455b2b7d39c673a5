package analyzer

import (
	"testing"

	"github.com/heliosfhir/fhirstore/internal/searchquery"
	"github.com/stretchr/testify/assert"
)

func TestAnalyze_ChainedAndFullText(t *testing.T) {
	t.Parallel()

	q := searchquery.Query{
		ResourceType: "Observation",
		Params: []searchquery.Parameter{
			{Name: "subject.name", Values: []searchquery.Value{{Raw: "Smith"}}},
			{Name: "_text", Values: []searchquery.Value{{Raw: "cardiac"}}},
		},
	}

	a := Analyze(q)

	assert.True(t, a.Has(FeatureChainedSearch))
	assert.True(t, a.Has(FeatureFullTextSearch))
	assert.Contains(t, a.SpecializedFeatures, FeatureChainedSearch)
	assert.Contains(t, a.SpecializedFeatures, FeatureFullTextSearch)
}

func TestAnalyze_TerminologyModifier(t *testing.T) {
	t.Parallel()

	q := searchquery.Query{
		ResourceType: "Condition",
		Params: []searchquery.Parameter{
			{Name: "code", Modifier: "below", Values: []searchquery.Value{{Raw: "1234"}}},
		},
	}

	a := Analyze(q)
	assert.True(t, a.Has(FeatureTerminology))
}

func TestAnalyze_BasicSearchOnly(t *testing.T) {
	t.Parallel()

	q := searchquery.Query{
		ResourceType: "Patient",
		Params:       []searchquery.Parameter{{Name: "family", Values: []searchquery.Value{{Raw: "Smith"}}}},
	}

	a := Analyze(q)
	assert.True(t, a.Has(FeatureBasicSearch))
	assert.Empty(t, a.SpecializedFeatures)
}

func TestAnalyze_ChainedSearchPopulatesChainSegments(t *testing.T) {
	t.Parallel()

	q := searchquery.Query{
		ResourceType: "Observation",
		Params: []searchquery.Parameter{
			{Name: "subject.name.given", Values: []searchquery.Value{{Raw: "Smith"}}},
		},
	}

	a := Analyze(q)

	chained := a.FeatureParams[FeatureChainedSearch]
	assert.Len(t, chained, 1)
	assert.Equal(t, []string{"subject", "name", "given"}, chained[0].Chain)
}

func TestAnalyze_ReverseChainDetectedFromParameterName(t *testing.T) {
	t.Parallel()

	q := searchquery.Query{
		ResourceType: "Patient",
		Params: []searchquery.Parameter{
			{Name: "_has:Observation:patient:code", Values: []searchquery.Value{{Raw: "1234-5"}}},
		},
	}

	a := Analyze(q)

	assert.True(t, a.Has(FeatureReverseChaining))
	assert.Contains(t, a.SpecializedFeatures, FeatureReverseChaining)

	params := a.FeatureParams[FeatureReverseChaining]
	rc := params[0].ReverseChain
	assert.Equal(t, "Observation", rc.ResourceType)
	assert.Equal(t, "patient", rc.RefParam)
	assert.Equal(t, "code", rc.Code)
}

func TestAnalyze_HasPrefixInValueIsNotReverseChain(t *testing.T) {
	t.Parallel()

	q := searchquery.Query{
		ResourceType: "Patient",
		Params: []searchquery.Parameter{
			{Name: "identifier", Values: []searchquery.Value{{Raw: "_has:not-a-chain"}}},
		},
	}

	a := Analyze(q)

	assert.False(t, a.Has(FeatureReverseChaining))
	assert.True(t, a.Has(FeatureBasicSearch))
}

func TestAnalyze_IncludesAndSort(t *testing.T) {
	t.Parallel()

	q := searchquery.Query{
		ResourceType: "Encounter",
		Includes:     []searchquery.Include{{SourceType: "Encounter", ParamName: "subject"}},
		Sort:         []searchquery.SortField{{ParamName: "date"}},
	}

	a := Analyze(q)
	assert.True(t, a.Has(FeatureInclude))
	assert.True(t, a.Has(FeatureSort))
}
