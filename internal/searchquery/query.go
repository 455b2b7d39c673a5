// Package searchquery holds the typed search request model the analyzer,
// router and backends all speak.
package searchquery

import (
	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
)

// Modifier is a FHIR search parameter modifier (":exact", ":missing", ...).
type Modifier string

const (
	ModifierNone        Modifier = ""
	ModifierExact       Modifier = "exact"
	ModifierContains    Modifier = "contains"
	ModifierMissing     Modifier = "missing"
	ModifierNot         Modifier = "not"
	ModifierAbove       Modifier = "above"
	ModifierBelow       Modifier = "below"
	ModifierIn          Modifier = "in"
	ModifierText        Modifier = "text"
	ModifierOfType      Modifier = "of-type"
	ModifierIdentifier  Modifier = "identifier"
)

// Prefix is a FHIR search comparison prefix (eq, ne, gt, lt, ge, le, sa, eb, ap).
type Prefix string

const (
	PrefixEQ Prefix = "eq"
	PrefixNE Prefix = "ne"
	PrefixGT Prefix = "gt"
	PrefixLT Prefix = "lt"
	PrefixGE Prefix = "ge"
	PrefixLE Prefix = "le"
	PrefixSA Prefix = "sa"
	PrefixEB Prefix = "eb"
	PrefixAP Prefix = "ap"
)

// Value is a single comparison within a parameter's OR-group, e.g. one
// comma-separated alternative of "?code=a,b".
type Value struct {
	Prefix Prefix
	Raw    string
}

// Parameter is one query-string parameter, possibly repeated (AND across
// repeats, OR within Values).
type Parameter struct {
	Name     string // without the modifier suffix
	Modifier Modifier
	Values   []Value // comma-joined alternatives already split

	// Chain holds a forward-chained parameter's dot-separated path
	// segments (e.g. ["subject", "name"] for "subject.name"), populated
	// by the analyzer via ParseChain. Nil for parameters that are not
	// chains.
	Chain []string

	// ReverseChain holds a "_has:ResourceType:refParam:code" parameter's
	// parsed form, populated by the analyzer via ParseReverseChain. Nil
	// for parameters that are not reverse chains.
	ReverseChain *ReverseChain
}

// ReverseChain is the parsed form of a "_has:ResourceType:refParam:code"
// parameter name, FHIR's reverse-chaining syntax: find resources of the
// current type referenced by ResourceType's RefParam, where that
// resource also matches Code.
type ReverseChain struct {
	ResourceType string
	RefParam     string
	Code         string
}

// SortField orders results on one parameter, ascending unless Descending.
type SortField struct {
	ParamName  string
	Descending bool
}

// Include expresses "_include"/"_revinclude".
type Include struct {
	SourceType string
	ParamName  string
	TargetType string // empty means "any"
	Reverse    bool
	Iterate    bool
}

// Query is the fully parsed, typed search request the analyzer produces
// from a raw query string.
type Query struct {
	ResourceType string
	Params       []Parameter
	Includes     []Include
	Sort         []SortField
	Count        int
	Cursor       *Cursor
	TotalMode    TotalMode
	ElementsOnly []string
	SummaryOnly  bool
}

// TotalMode mirrors FHIR's _total parameter.
type TotalMode string

const (
	TotalNone     TotalMode = "none"
	TotalEstimate TotalMode = "estimate"
	TotalAccurate TotalMode = "accurate"
)

// Cursor opaquely identifies the next page of a paginated search. It is
// backend-defined but always round-trips through Encode/Decode so the
// executor and merger never inspect its internals.
type Cursor struct {
	Backend string
	Opaque  []byte
}

// Page is one page of search results, mirroring storage.SearchResult but
// independent of the storage package to avoid an import cycle with
// backends that need to construct queries without depending on storage.
type Page struct {
	Resources []fhirmodel.StoredResource
	Total     *int64
	Next      *Cursor
}
