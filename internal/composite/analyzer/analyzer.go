// Package analyzer classifies a parsed SearchQuery into the set of
// QueryFeatures it exercises. The router consumes this classification to
// decide which backend(s) a query must visit.
package analyzer

import (
	"github.com/heliosfhir/fhirstore/internal/searchquery"
)

// Feature is one detectable shape a search query may take.
type Feature string

const (
	FeatureBasicSearch      Feature = "basic_search"
	FeatureFullTextSearch   Feature = "full_text_search"
	FeatureChainedSearch    Feature = "chained_search"
	FeatureReverseChaining  Feature = "reverse_chaining"
	FeatureTerminology      Feature = "terminology_search"
	FeatureInclude          Feature = "include"
	FeatureRevinclude       Feature = "revinclude"
	FeatureSort             Feature = "sort"
	FeatureCursorPagination Feature = "cursor_pagination"
	FeatureOffsetPagination Feature = "offset_pagination"
	FeatureHistory          Feature = "history"
)

// specializedFeatures demand routing to a non-primary backend.
var specializedFeatures = map[Feature]struct{}{
	FeatureChainedSearch:   {},
	FeatureReverseChaining: {},
	FeatureFullTextSearch:  {},
	FeatureTerminology:     {},
}

// terminologyModifiers trigger TerminologySearch when applied to a token
// parameter.
var terminologyModifiers = map[searchquery.Modifier]struct{}{
	"above":  {},
	"below":  {},
	"in":     {},
	"not-in": {},
}

// Analysis is the classification result for one query.
type Analysis struct {
	Features            map[Feature]struct{}
	SpecializedFeatures map[Feature]struct{}
	FeatureParams       map[Feature][]searchquery.Parameter
	ComplexityScore      int
}

// Has reports whether f was detected.
func (a *Analysis) Has(f Feature) bool {
	_, ok := a.Features[f]

	return ok
}

// Analyze classifies q.
func Analyze(q searchquery.Query) *Analysis {
	a := &Analysis{
		Features:            make(map[Feature]struct{}),
		SpecializedFeatures: make(map[Feature]struct{}),
		FeatureParams:       make(map[Feature][]searchquery.Parameter),
	}

	chainDepth := 0

	for _, p := range q.Params {
		// "_has:ResourceType:refParam:code" is FHIR's reverse-chaining
		// syntax: it appears as a parameter name, never as the resource
		// type being searched.
		if rc, ok := searchquery.ParseReverseChain(p.Name); ok {
			p.ReverseChain = rc
			a.add(FeatureReverseChaining, p)

			continue
		}

		if chain, ok := searchquery.ParseChain(p.Name); ok {
			p.Chain = chain
			a.add(FeatureChainedSearch, p)
			chainDepth += len(chain) - 1

			continue
		}

		switch {
		case p.Name == "_text" || p.Name == "_content":
			a.add(FeatureFullTextSearch, p)
		case isTerminologyModifier(p.Modifier):
			a.add(FeatureTerminology, p)
		default:
			a.add(FeatureBasicSearch, p)
		}
	}

	for _, inc := range q.Includes {
		if inc.Reverse {
			a.FeatureParams[FeatureRevinclude] = append(a.FeatureParams[FeatureRevinclude], searchquery.Parameter{Name: inc.ParamName})
			a.Features[FeatureRevinclude] = struct{}{}
		} else {
			a.FeatureParams[FeatureInclude] = append(a.FeatureParams[FeatureInclude], searchquery.Parameter{Name: inc.ParamName})
			a.Features[FeatureInclude] = struct{}{}
		}
	}

	if len(q.Sort) > 0 {
		a.Features[FeatureSort] = struct{}{}
	}

	if q.Cursor != nil {
		a.Features[FeatureCursorPagination] = struct{}{}
	} else if q.Count > 0 {
		a.Features[FeatureOffsetPagination] = struct{}{}
	}

	for f := range a.Features {
		if _, ok := specializedFeatures[f]; ok {
			a.SpecializedFeatures[f] = struct{}{}
		}
	}

	a.ComplexityScore = len(a.Features)*2 + chainDepth*3

	return a
}

func (a *Analysis) add(f Feature, p searchquery.Parameter) {
	a.Features[f] = struct{}{}
	a.FeatureParams[f] = append(a.FeatureParams[f], p)
}

func isTerminologyModifier(m searchquery.Modifier) bool {
	_, ok := terminologyModifiers[m]

	return ok
}
