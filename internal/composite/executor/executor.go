// Package executor interprets a router.Decision's execution plan against
// a set of live backends and produces a merged storage.SearchResult.
package executor

import (
	"context"
	"fmt"

	"github.com/heliosfhir/fhirstore/internal/composite/analyzer"
	"github.com/heliosfhir/fhirstore/internal/composite/merger"
	"github.com/heliosfhir/fhirstore/internal/composite/router"
	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
	"github.com/heliosfhir/fhirstore/internal/searchquery"
	"github.com/heliosfhir/fhirstore/internal/storage"
	"github.com/heliosfhir/fhirstore/internal/tenant"
	"golang.org/x/sync/errgroup"
)

// Executor runs RoutingDecisions against a registry of named backends.
type Executor struct {
	backends map[string]storage.Backend
}

// New builds an Executor over the given backend set, keyed by backend id.
func New(backends map[string]storage.Backend) *Executor {
	return &Executor{backends: backends}
}

// Execute interprets decision.ExecutionOrder. Every auxiliary Execute step
// runs concurrently via errgroup; once all auxiliary id-sets are known
// the primary executes, optionally filtered by them.
func (e *Executor) Execute(ctx context.Context, tc tenant.Context, q searchquery.Query, decision *router.Decision) (storage.SearchResult, error) {
	partial := make(map[string]storage.SearchResult)

	var auxSteps []router.Step

	for _, step := range decision.ExecutionOrder {
		if step.Kind == router.StepExecute && step.Feature != "" {
			auxSteps = append(auxSteps, step)
		}
	}

	if len(auxSteps) > 0 {
		results := make([]storage.SearchResult, len(auxSteps))

		g, gctx := errgroup.WithContext(ctx)

		for i, step := range auxSteps {
			i, step := i, step

			g.Go(func() error {
				result, err := e.executeBackend(gctx, tc, q, decision, step.BackendID)
				if err != nil {
					return err
				}

				results[i] = result

				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return storage.SearchResult{}, err
		}

		for i, step := range auxSteps {
			partial[step.BackendID] = results[i]
		}
	}

	for _, step := range decision.ExecutionOrder {
		switch step.Kind {
		case router.StepExecute:
			if step.Feature != "" {
				continue // already run concurrently above
			}

			result, err := e.executeBackend(ctx, tc, q, decision, step.BackendID)
			if err != nil {
				return storage.SearchResult{}, err
			}

			partial[step.BackendID] = result
		case router.StepBarrier:
			// No-op here: the interpreter above already ran every
			// auxiliary Execute concurrently ahead of the Barrier.
		case router.StepMerge:
			var auxiliaries []merger.Auxiliary

			for _, id := range step.Inputs {
				auxiliaries = append(auxiliaries, merger.Auxiliary{BackendID: id, Result: partial[id]})
			}

			partial["merge"] = merger.Merge(step.Strategy, storage.SearchResult{}, auxiliaries, merger.Options{})
		case router.StepFilter:
			merged := partial[step.Source]

			filtered := q
			filtered.Params = append(append([]searchquery.Parameter{}, q.Params...), idFilterParameter(merged.Resources))

			result, err := e.executeBackend(ctx, tc, filtered, decision, step.BackendID)
			if err != nil {
				return storage.SearchResult{}, err
			}

			partial[step.BackendID] = result
		case router.StepResolveIncludes:
			result := partial[step.BackendID]

			included, err := e.resolveIncludes(ctx, tc, decision, result.Resources, step.BackendID)
			if err != nil {
				return storage.SearchResult{}, err
			}

			result.Included = dedupeResources(append(result.Included, included...))
			partial[step.BackendID] = result
		}
	}

	if result, ok := partial[decision.PrimaryTarget]; ok {
		result.Resources = dedupeResources(result.Resources)
		return result, nil
	}

	merged := partial["merge"]
	merged.Resources = dedupeResources(merged.Resources)

	return merged, nil
}

func (e *Executor) executeBackend(ctx context.Context, tc tenant.Context, q searchquery.Query, decision *router.Decision, backendID string) (storage.SearchResult, error) {
	backend, ok := e.backends[backendID]
	if !ok {
		return storage.SearchResult{}, fmt.Errorf("executor: unknown backend %q", backendID)
	}

	part := decision.QueryParts[backendID]

	scoped := q
	if len(part.Parameters) > 0 {
		scoped.Params = part.Parameters
	}

	return backend.Search(ctx, tc, scoped)
}

func idFilterParameter(resources []fhirmodel.StoredResource) searchquery.Parameter {
	values := make([]searchquery.Value, 0, len(resources))

	for _, r := range resources {
		values = append(values, searchquery.Value{Raw: r.ID})
	}

	return searchquery.Parameter{Name: "_id", Values: values}
}

func dedupeResources(resources []fhirmodel.StoredResource) []fhirmodel.StoredResource {
	seen := make(map[fhirmodel.Key]struct{}, len(resources))
	out := make([]fhirmodel.StoredResource, 0, len(resources))

	for _, r := range resources {
		key := fhirmodel.KeyOf(r)
		if _, ok := seen[key]; ok {
			continue
		}

		seen[key] = struct{}{}
		out = append(out, r)
	}

	return out
}

// resolveIncludes implements the shared include/revinclude resolution:
// forward includes walk each primary result's content for matching
// references and read them through the primary backend; reverse includes
// construct "rt/id" reference values and issue a reference search on the
// directive's source type. Both guard against cycles with a seen-set
// keyed by (rt, id).
func (e *Executor) resolveIncludes(ctx context.Context, tc tenant.Context, decision *router.Decision, primaryResults []fhirmodel.StoredResource, primaryBackendID string) ([]fhirmodel.StoredResource, error) {
	backend, ok := e.backends[primaryBackendID]
	if !ok {
		return nil, fmt.Errorf("executor: unknown backend %q", primaryBackendID)
	}

	seen := make(map[fhirmodel.Key]struct{}, len(primaryResults))

	for _, r := range primaryResults {
		seen[fhirmodel.KeyOf(r)] = struct{}{}
	}

	var included []fhirmodel.StoredResource

	if decision.Analysis.Has(analyzer.FeatureInclude) {
		for _, p := range decision.Analysis.FeatureParams[analyzer.FeatureInclude] {
			refs := extractReferences(primaryResults, p.Name)

			for _, ref := range refs {
				key := fhirmodel.Key{ResourceType: ref.ResourceType, ID: ref.ID}
				if _, ok := seen[key]; ok {
					continue
				}

				resource, err := backend.Read(ctx, tc, ref.ResourceType, ref.ID)
				if err != nil {
					continue
				}

				seen[key] = struct{}{}
				included = append(included, resource)
			}
		}
	}

	if decision.Analysis.Has(analyzer.FeatureRevinclude) {
		for _, p := range decision.Analysis.FeatureParams[analyzer.FeatureRevinclude] {
			values := make([]searchquery.Value, 0, len(primaryResults))

			for _, r := range primaryResults {
				values = append(values, searchquery.Value{Raw: fhirmodel.KeyOf(r).String()})
			}

			if len(values) == 0 {
				continue
			}

			revQuery := searchquery.Query{
				Params: []searchquery.Parameter{{Name: p.Name, Values: values}},
			}

			result, err := backend.Search(ctx, tc, revQuery)
			if err != nil {
				continue
			}

			for _, r := range result.Resources {
				key := fhirmodel.KeyOf(r)
				if _, ok := seen[key]; ok {
					continue
				}

				seen[key] = struct{}{}
				included = append(included, r)
			}
		}
	}

	return included, nil
}

type resourceRef struct {
	ResourceType string
	ID           string
}

// extractReferences walks every resource's content for a field matching
// paramName (by field name and the generic "any object with a reference
// field" pattern).
func extractReferences(resources []fhirmodel.StoredResource, paramName string) []resourceRef {
	var out []resourceRef

	for _, r := range resources {
		out = append(out, walkForReferences(r.Content, paramName)...)
	}

	return out
}
