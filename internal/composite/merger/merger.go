// Package merger reduces a primary SearchResult and zero or more
// auxiliary SearchResults into one final result.
package merger

import (
	"sort"

	"github.com/heliosfhir/fhirstore/internal/composite/router"
	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
	"github.com/heliosfhir/fhirstore/internal/storage"
)

// defaultMaxResults is the merge cap applied when Options.MaxResults is
// unset.
const defaultMaxResults = 1000

// Auxiliary pairs a backend id with the SearchResult it produced.
type Auxiliary struct {
	BackendID string
	Result    storage.SearchResult
}

// Options configures a merge pass.
type Options struct {
	MaxResults int
	SortByLastUpdatedDesc bool
}

// Merge reduces primary against auxiliaries according to strategy.
func Merge(strategy router.MergeStrategy, primary storage.SearchResult, auxiliaries []Auxiliary, opts Options) storage.SearchResult {
	max := opts.MaxResults
	if max <= 0 {
		max = defaultMaxResults
	}

	var out storage.SearchResult

	switch strategy {
	case router.MergeIntersection:
		out = intersection(primary, auxiliaries)
	case router.MergeUnion:
		out = union(primary, auxiliaries, opts.SortByLastUpdatedDesc)
	case router.MergeSecondaryFiltered:
		out = secondaryFiltered(primary, auxiliaries)
	case router.MergePrimaryEnriched:
		fallthrough
	default:
		out = primary
	}

	out.Included = dedupe(out.Included)

	if len(out.Resources) > max {
		out.Resources = out.Resources[:max]
	}

	return out
}

func idSet(r storage.SearchResult) map[fhirmodel.Key]struct{} {
	set := make(map[fhirmodel.Key]struct{}, len(r.Resources))
	for _, res := range r.Resources {
		set[fhirmodel.KeyOf(res)] = struct{}{}
	}

	return set
}

func intersection(primary storage.SearchResult, auxiliaries []Auxiliary) storage.SearchResult {
	sets := make([]map[fhirmodel.Key]struct{}, 0, len(auxiliaries))
	for _, aux := range auxiliaries {
		sets = append(sets, idSet(aux.Result))
	}

	out := storage.SearchResult{Total: primary.Total}

	for _, res := range primary.Resources {
		key := fhirmodel.KeyOf(res)
		inAll := true

		for _, set := range sets {
			if _, ok := set[key]; !ok {
				inAll = false
				break
			}
		}

		if inAll {
			out.Resources = append(out.Resources, res)
		}
	}

	out.Included = append(out.Included, primary.Included...)
	for _, aux := range auxiliaries {
		out.Included = append(out.Included, aux.Result.Included...)
	}

	return out
}

func union(primary storage.SearchResult, auxiliaries []Auxiliary, sortDesc bool) storage.SearchResult {
	out := storage.SearchResult{Total: primary.Total}
	seen := make(map[fhirmodel.Key]struct{})

	for _, res := range primary.Resources {
		seen[fhirmodel.KeyOf(res)] = struct{}{}
		out.Resources = append(out.Resources, res)
	}

	for _, aux := range auxiliaries {
		for _, res := range aux.Result.Resources {
			key := fhirmodel.KeyOf(res)
			if _, ok := seen[key]; ok {
				continue
			}

			seen[key] = struct{}{}
			out.Resources = append(out.Resources, res)
		}

		out.Included = append(out.Included, aux.Result.Included...)
	}

	out.Included = append(out.Included, primary.Included...)

	if sortDesc {
		sort.SliceStable(out.Resources, func(i, j int) bool {
			return out.Resources[i].LastUpdated.After(out.Resources[j].LastUpdated)
		})
	}

	return out
}

func secondaryFiltered(primary storage.SearchResult, auxiliaries []Auxiliary) storage.SearchResult {
	union := make(map[fhirmodel.Key]struct{})

	for _, aux := range auxiliaries {
		for _, res := range aux.Result.Resources {
			union[fhirmodel.KeyOf(res)] = struct{}{}
		}
	}

	out := storage.SearchResult{Total: primary.Total}

	for _, res := range primary.Resources {
		if _, ok := union[fhirmodel.KeyOf(res)]; ok {
			out.Resources = append(out.Resources, res)
		}
	}

	out.Included = append(out.Included, primary.Included...)

	return out
}

func dedupe(resources []fhirmodel.StoredResource) []fhirmodel.StoredResource {
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

// RelevanceItem is one candidate in a weighted relevance merge.
type RelevanceItem struct {
	Resource      fhirmodel.StoredResource
	PositionScore float64
	BackendWeight float64
}

// Relevance composes position_score*backend_weight per item and returns
// the top-N distinct items.
func Relevance(items []RelevanceItem, topN int) []fhirmodel.StoredResource {
	type scored struct {
		key   fhirmodel.Key
		score float64
		res   fhirmodel.StoredResource
	}

	best := make(map[fhirmodel.Key]scored)

	for _, it := range items {
		key := fhirmodel.KeyOf(it.Resource)
		s := it.PositionScore * it.BackendWeight

		if existing, ok := best[key]; !ok || s > existing.score {
			best[key] = scored{key: key, score: s, res: it.Resource}
		}
	}

	all := make([]scored, 0, len(best))
	for _, s := range best {
		all = append(all, s)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].score > all[j].score })

	if topN > 0 && len(all) > topN {
		all = all[:topN]
	}

	out := make([]fhirmodel.StoredResource, 0, len(all))
	for _, s := range all {
		out = append(out, s.res)
	}

	return out
}
