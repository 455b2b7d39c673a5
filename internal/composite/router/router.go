// Package router picks, for an analyzed query, which backend serves the
// primary search and which backend serves each specialized feature.
package router

import (
	"fmt"
	"sort"

	"github.com/heliosfhir/fhirstore/internal/composite/analyzer"
	"github.com/heliosfhir/fhirstore/internal/ferrors"
	"github.com/heliosfhir/fhirstore/internal/searchquery"
	"github.com/heliosfhir/fhirstore/internal/storage"
)

// MergeStrategy names the post-execution reduction the merger applies.
type MergeStrategy string

const (
	MergeIntersection      MergeStrategy = "intersection"
	MergeUnion             MergeStrategy = "union"
	MergePrimaryEnriched   MergeStrategy = "primary_enriched"
	MergeSecondaryFiltered MergeStrategy = "secondary_filtered"
)

// QueryPart is the slice of a query routed to one backend.
type QueryPart struct {
	BackendID     string
	Parameters    []searchquery.Parameter
	Feature       analyzer.Feature
	ReturnsIDsOnly bool
}

// StepKind identifies one step of an execution plan.
type StepKind string

const (
	StepExecute        StepKind = "execute"
	StepBarrier        StepKind = "barrier"
	StepMerge          StepKind = "merge"
	StepFilter         StepKind = "filter"
	StepResolveIncludes StepKind = "resolve_includes"
)

// Step is one instruction of the execution plan the composite executor
// interprets.
type Step struct {
	Kind      StepKind
	BackendID string
	Feature   analyzer.Feature
	Inputs    []string // backend ids the Merge/Barrier step depends on
	Source    string   // for Filter: the id-set source
	Strategy  MergeStrategy
}

// Decision is the full routing outcome for one query.
type Decision struct {
	PrimaryTarget    string
	AuxiliaryTargets map[analyzer.Feature]string
	QueryParts       map[string]QueryPart
	ExecutionOrder   []Step
	MergeStrategy    MergeStrategy
	Analysis         *analyzer.Analysis
}

// AllBackends returns every distinct backend id this decision touches.
func (d *Decision) AllBackends() []string {
	seen := map[string]struct{}{d.PrimaryTarget: {}}
	out := []string{d.PrimaryTarget}

	for _, id := range d.AuxiliaryTargets {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}

	return out
}

// IsMultiBackend reports whether this decision touches more than one
// backend.
func (d *Decision) IsMultiBackend() bool { return len(d.AuxiliaryTargets) > 0 }

// requiredCapability maps a specialized feature to the capability a
// fallback backend must declare.
var requiredCapability = map[analyzer.Feature]storage.Capability{
	analyzer.FeatureFullTextSearch: storage.CapTextSearch,
	analyzer.FeatureChainedSearch:   storage.CapSearch,
	analyzer.FeatureReverseChaining: storage.CapSearch,
	analyzer.FeatureTerminology:     storage.CapSearch,
}

// Route builds a Decision for q against cfg.
func Route(cfg *Config, q searchquery.Query) (*Decision, error) {
	analysis := analyzer.Analyze(q)

	primary, ok := cfg.backendByID(cfg.PrimaryBackendID)
	if !ok || !primary.Enabled {
		return nil, ferrors.Translate(ferrors.ErrNoPrimaryBackend, q.ResourceType)
	}

	decision := &Decision{
		PrimaryTarget:    primary.ID,
		AuxiliaryTargets: make(map[analyzer.Feature]string),
		QueryParts:       make(map[string]QueryPart),
		Analysis:         analysis,
	}

	specialized := sortedFeatures(analysis.SpecializedFeatures)

	for _, f := range specialized {
		backendID, err := pickBackendForFeature(cfg, f)
		if err != nil {
			return nil, err
		}

		decision.AuxiliaryTargets[f] = backendID

		part := decision.QueryParts[backendID]
		part.BackendID = backendID
		part.Feature = f
		part.Parameters = append(part.Parameters, analysis.FeatureParams[f]...)
		part.ReturnsIDsOnly = true
		decision.QueryParts[backendID] = part
	}

	primaryPart := decision.QueryParts[primary.ID]
	primaryPart.BackendID = primary.ID
	primaryPart.Feature = ""
	primaryPart.Parameters = append(primaryPart.Parameters, analysis.FeatureParams[analyzer.FeatureBasicSearch]...)
	decision.QueryParts[primary.ID] = primaryPart

	decision.ExecutionOrder = buildExecutionPlan(decision, primary.ID)
	decision.MergeStrategy = chooseMergeStrategy(analysis)

	return decision, nil
}

func pickBackendForFeature(cfg *Config, f analyzer.Feature) (string, error) {
	if custom, ok := cfg.CustomRules[f]; ok {
		if b, ok := cfg.backendByID(custom); ok && b.Enabled {
			return b.ID, nil
		}
	}

	if role, ok := preferredRole[f]; ok {
		candidates := cfg.backendsForRole(role)
		if len(candidates) > 0 {
			sort.Slice(candidates, func(i, j int) bool { return candidates[i].Priority < candidates[j].Priority })
			return candidates[0].ID, nil
		}
	}

	if cap, ok := requiredCapability[f]; ok {
		candidates := cfg.backendsForCapability(cap)
		if len(candidates) > 0 {
			sort.Slice(candidates, func(i, j int) bool { return candidates[i].Priority < candidates[j].Priority })
			return candidates[0].ID, nil
		}
	}

	return "", ferrors.Translate(ferrors.ErrUnsupportedCapability, string(f), fmt.Sprintf("no backend available for feature %q", f))
}

func buildExecutionPlan(d *Decision, primaryID string) []Step {
	var plan []Step

	var auxBackends []string

	for _, f := range sortedFeatures(d.Analysis.SpecializedFeatures) {
		backendID := d.AuxiliaryTargets[f]
		plan = append(plan, Step{Kind: StepExecute, BackendID: backendID, Feature: f})
		auxBackends = append(auxBackends, backendID)
	}

	if len(auxBackends) > 0 {
		plan = append(plan, Step{Kind: StepBarrier, Inputs: auxBackends})
		plan = append(plan, Step{Kind: StepMerge, Inputs: auxBackends, Strategy: d.MergeStrategy})
		plan = append(plan, Step{Kind: StepFilter, BackendID: primaryID, Source: "merge"})
	} else {
		plan = append(plan, Step{Kind: StepExecute, BackendID: primaryID})
	}

	if d.Analysis.Has(analyzer.FeatureInclude) || d.Analysis.Has(analyzer.FeatureRevinclude) {
		plan = append(plan, Step{Kind: StepResolveIncludes, BackendID: primaryID})
	}

	return plan
}

// chooseMergeStrategy picks the post-execution reduction for a routed query.
func chooseMergeStrategy(a *analyzer.Analysis) MergeStrategy {
	hasGraphOrTerm := a.Has(analyzer.FeatureChainedSearch) || a.Has(analyzer.FeatureReverseChaining) || a.Has(analyzer.FeatureTerminology)
	hasFullText := a.Has(analyzer.FeatureFullTextSearch)

	switch {
	case hasGraphOrTerm:
		return MergeSecondaryFiltered
	case hasFullText:
		return MergeIntersection
	case len(a.SpecializedFeatures) > 1:
		return MergeIntersection
	default:
		return MergePrimaryEnriched
	}
}

func sortedFeatures(set map[analyzer.Feature]struct{}) []analyzer.Feature {
	out := make([]analyzer.Feature, 0, len(set))
	for f := range set {
		out = append(out, f)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}
