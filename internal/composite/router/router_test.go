package router

import (
	"testing"

	"github.com/heliosfhir/fhirstore/internal/composite/cost"
	"github.com/heliosfhir/fhirstore/internal/searchquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chainRoutingConfig() *Config {
	return &Config{
		PrimaryBackendID: "sqlite",
		Backends: []BackendEntry{
			{ID: "sqlite", Role: RolePrimary, Kind: cost.KindRelational, Enabled: true},
			{ID: "es", Role: RoleSearch, Kind: cost.KindSearchIndex, Enabled: true},
			{ID: "neo4j", Role: RoleGraph, Kind: cost.KindGraph, Enabled: true},
		},
	}
}

func TestRoute_ChainAndFullText(t *testing.T) {
	t.Parallel()

	cfg := chainRoutingConfig()

	q := searchquery.Query{
		ResourceType: "Observation",
		Params: []searchquery.Parameter{
			{Name: "subject.name", Values: []searchquery.Value{{Raw: "Smith"}}},
			{Name: "_text", Values: []searchquery.Value{{Raw: "cardiac"}}},
		},
	}

	decision, err := Route(cfg, q)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", decision.PrimaryTarget)
	assert.Equal(t, "neo4j", decision.AuxiliaryTargets["chained_search"])
	assert.Equal(t, "es", decision.AuxiliaryTargets["full_text_search"])
	assert.Equal(t, MergeSecondaryFiltered, decision.MergeStrategy)
	assert.True(t, decision.IsMultiBackend())
}

func TestRoute_NoPrimaryConfigured(t *testing.T) {
	t.Parallel()

	cfg := &Config{PrimaryBackendID: "missing"}

	_, err := Route(cfg, searchquery.Query{ResourceType: "Patient"})
	assert.Error(t, err)
}

func TestRoute_BasicSearchIsPrimaryEnriched(t *testing.T) {
	t.Parallel()

	cfg := chainRoutingConfig()

	q := searchquery.Query{
		ResourceType: "Patient",
		Params:       []searchquery.Parameter{{Name: "family", Values: []searchquery.Value{{Raw: "Smith"}}}},
	}

	decision, err := Route(cfg, q)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", decision.PrimaryTarget)
	assert.False(t, decision.IsMultiBackend())
	assert.Equal(t, MergePrimaryEnriched, decision.MergeStrategy)
}
