package searchparam

import (
	"context"
	"fmt"

	"github.com/heliosfhir/fhirstore/internal/fhircontent"
	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
	"github.com/heliosfhir/fhirstore/internal/fhirpath"
	"github.com/heliosfhir/fhirstore/internal/mlog"
)

// Evaluator resolves a FHIRPath expression against a resource tree. The
// zero value of Extractor falls back to fhirpath.Evaluate (a pathwalk
// evaluator) when no Evaluator is configured.
type Evaluator interface {
	Evaluate(root fhircontent.Node, expression string) []fhircontent.Node
}

type pathwalkEvaluator struct{}

func (pathwalkEvaluator) Evaluate(root fhircontent.Node, expression string) []fhircontent.Node {
	return fhirpath.Evaluate(root, expression)
}

// Extractor extracts ExtractedValues from a resource for every active
// SearchParameter that applies to its resource type.
type Extractor struct {
	registry  *Registry
	evaluator Evaluator
}

// NewExtractor builds an Extractor over registry. A nil evaluator uses the
// built-in pathwalk fallback.
func NewExtractor(registry *Registry, evaluator Evaluator) *Extractor {
	if evaluator == nil {
		evaluator = pathwalkEvaluator{}
	}

	return &Extractor{registry: registry, evaluator: evaluator}
}

// Extract returns every value the registry's active parameters pull out
// of resource, logging and skipping any parameter whose expression fails
// to convert rather than aborting the whole resource.
func (e *Extractor) Extract(ctx context.Context, r fhirmodel.StoredResource) ([]fhirmodel.ExtractedValue, error) {
	obj, ok := r.Content.(fhircontent.Object)
	if !ok {
		return nil, fmt.Errorf("searchparam: resource content must be an object")
	}

	if rt, ok := obj["resourceType"].(fhircontent.String); ok && string(rt) != r.ResourceType {
		return nil, fmt.Errorf("searchparam: resource type mismatch: expected %s, got %s", r.ResourceType, rt)
	}

	log := mlog.FromContext(ctx)

	var results []fhirmodel.ExtractedValue

	for _, param := range e.registry.GetActiveParams(r.ResourceType) {
		results = append(results, e.extractForParam(log, r.Content, param)...)
	}

	return results, nil
}

func (e *Extractor) extractForParam(log mlog.Logger, content fhircontent.Node, param *Definition) []fhirmodel.ExtractedValue {
	if param.Expression == "" {
		return nil
	}

	nodes := e.evaluator.Evaluate(content, param.Expression)

	var results []fhirmodel.ExtractedValue

	for _, n := range nodes {
		values, err := Convert(n, param.Type)
		if err != nil {
			log.Warnf("searchparam: skipping parameter %q: %v", param.Code, err)
			continue
		}

		for _, v := range values {
			results = append(results, fhirmodel.ExtractedValue{
				ParamName: param.Code,
				ParamURL:  param.URL,
				ParamType: param.Type,
				Value:     v,
			})
		}
	}

	return results
}
