// Package cost estimates the relative cost of running a query against a
// candidate backend, and CheapestBackend picks the lowest-cost candidate.
// The composite router does not call this package: its backend choice
// comes from custom rules, role defaults and capabilities.
package cost

import (
	"github.com/heliosfhir/fhirstore/internal/composite/analyzer"
)

// Kind is a backend's storage technology, used as the base-cost lookup
// key.
type Kind string

const (
	KindRelational  Kind = "relational"
	KindDocument    Kind = "document"
	KindSearchIndex Kind = "search_index"
	KindGraph       Kind = "graph"
	KindCache       Kind = "cache"
)

var baseCost = map[Kind]float64{
	KindRelational:  1.0,
	KindDocument:    1.2,
	KindSearchIndex: 0.8,
	KindGraph:       1.6,
	KindCache:       0.3,
}

var baseLatencyMS = map[Kind]float64{
	KindRelational:  15,
	KindDocument:    18,
	KindSearchIndex: 10,
	KindGraph:       25,
	KindCache:       2,
}

var featureMultiplier = map[analyzer.Feature]float64{
	analyzer.FeatureChainedSearch:   2.5,
	analyzer.FeatureReverseChaining: 2.2,
	analyzer.FeatureFullTextSearch:  1.4,
	analyzer.FeatureTerminology:     1.8,
	analyzer.FeatureInclude:        1.3,
	analyzer.FeatureRevinclude:     1.5,
	analyzer.FeatureSort:           1.1,
}

var featureLatencyMS = map[analyzer.Feature]float64{
	analyzer.FeatureChainedSearch:   12,
	analyzer.FeatureReverseChaining: 14,
	analyzer.FeatureFullTextSearch:  6,
	analyzer.FeatureTerminology:     8,
	analyzer.FeatureInclude:        5,
	analyzer.FeatureRevinclude:     7,
	analyzer.FeatureSort:           2,
}

const (
	weightLatency  = 0.6
	weightResource = 0.4

	specificityID         = 0.9
	specificityIdentifier = 0.7
	multiValueDamping     = 0.8
)

// QueryCost is the estimated cost of running a query against one backend.
type QueryCost struct {
	Total         float64
	EstLatencyMS  float64
	EstResults    int64
	Confidence    float64
	Breakdown     map[string]float64
}

// Estimate computes the QueryCost of running a.Features against a backend
// of the given kind.
func Estimate(a *analyzer.Analysis, kind Kind, specificParamNames []string, multiValued bool) QueryCost {
	base := baseCost[kind]
	if base == 0 {
		base = 1.0
	}

	breakdown := map[string]float64{"base": base * weightLatency}

	total := base * weightLatency
	latency := baseLatencyMS[kind]

	for f := range a.Features {
		mult := featureMultiplier[f]
		if mult == 0 {
			mult = 1.0
		}

		fc := base * mult
		total += fc
		breakdown[string(f)] = fc
		latency += featureLatencyMS[f]
	}

	specificity := 0.0

	for _, name := range specificParamNames {
		switch name {
		case "_id":
			specificity += specificityID
		case "identifier":
			specificity += specificityIdentifier
		}
	}

	if specificity > 1 {
		specificity = 1
	}

	if multiValued {
		specificity *= multiValueDamping
	}

	volumeCost := base * (1 - specificity) * 2
	total += volumeCost * weightResource
	breakdown["volume"] = volumeCost * weightResource

	estResults := int64((1 - specificity) * 1000)
	if specificity >= specificityID {
		estResults = 1
	}

	confidence := 0.5 + specificity*0.5

	return QueryCost{
		Total:        total,
		EstLatencyMS: latency,
		EstResults:   estResults,
		Confidence:   confidence,
		Breakdown:    breakdown,
	}
}

// Candidate pairs a backend id with its Kind, for CheapestBackend.
type Candidate struct {
	BackendID string
	Kind      Kind
}

// CheapestBackend returns the id of the candidate with the minimum total
// cost.
func CheapestBackend(a *analyzer.Analysis, candidates []Candidate, specificParamNames []string, multiValued bool) (string, QueryCost) {
	var (
		best     string
		bestCost QueryCost
		set      bool
	)

	for _, c := range candidates {
		qc := Estimate(a, c.Kind, specificParamNames, multiValued)

		if !set || qc.Total < bestCost.Total {
			best = c.BackendID
			bestCost = qc
			set = true
		}
	}

	return best, bestCost
}
