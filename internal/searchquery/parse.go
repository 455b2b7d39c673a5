package searchquery

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseQueryString parses a raw FHIR search query string (the part after
// "?", e.g. "identifier=http://example.org|123&name:exact=Smith") into a
// Query scoped to resourceType. Callers that already hold a typed Query
// (the analyzer's normal path) never need this; it exists for the few
// places a raw string crosses the boundary, such as a conditional create's
// If-None-Exist precondition.
func ParseQueryString(resourceType, raw string) (Query, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return Query{}, fmt.Errorf("searchquery: parse query string: %w", err)
	}

	q := Query{ResourceType: resourceType}

	for key, vals := range values {
		name, modifier := splitModifier(key)
		param := Parameter{Name: name, Modifier: modifier}

		for _, v := range vals {
			for _, alt := range strings.Split(v, ",") {
				prefix, rest := splitPrefix(alt)
				param.Values = append(param.Values, Value{Prefix: prefix, Raw: rest})
			}
		}

		q.Params = append(q.Params, param)
	}

	return q, nil
}

func splitModifier(key string) (string, Modifier) {
	if name, mod, ok := strings.Cut(key, ":"); ok {
		return name, Modifier(mod)
	}

	return key, ModifierNone
}

var searchPrefixes = []Prefix{PrefixEQ, PrefixNE, PrefixGT, PrefixLT, PrefixGE, PrefixLE, PrefixSA, PrefixEB, PrefixAP}

// splitPrefix splits a leading two-letter comparison prefix ("gt1992" ->
// "gt", "1992") off a value, defaulting to PrefixEQ when none matches.
func splitPrefix(v string) (Prefix, string) {
	if len(v) < 3 {
		return PrefixEQ, v
	}

	for _, p := range searchPrefixes {
		if strings.HasPrefix(v, string(p)) {
			return p, v[len(p):]
		}
	}

	return PrefixEQ, v
}

// ParseChain splits a forward-chained parameter name ("subject.name.given")
// into its dot-separated path segments. The second return is false when
// name carries no chain.
func ParseChain(name string) ([]string, bool) {
	if !strings.Contains(name, ".") {
		return nil, false
	}

	return strings.Split(name, "."), true
}

// ParseReverseChain parses a "_has:ResourceType:refParam:code" parameter
// name into a ReverseChain. The second return is false when name is not a
// "_has:" parameter or is malformed.
func ParseReverseChain(name string) (*ReverseChain, bool) {
	if !strings.HasPrefix(name, "_has:") {
		return nil, false
	}

	parts := strings.SplitN(strings.TrimPrefix(name, "_has:"), ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, false
	}

	return &ReverseChain{ResourceType: parts[0], RefParam: parts[1], Code: parts[2]}, true
}
