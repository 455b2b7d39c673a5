// Package fhirpath is a minimal, dependency-free evaluator for the subset
// of FHIRPath expressions SearchParameter.expression actually uses:
// dotted field paths, array flattening, "|" alternation, "where(...)" and
// "resolve()" treated as pass-through, "ofType(T)" as a filter keeping
// only objects whose resourceType is T, and polymorphic-field resolution
// (e.g. "effective" matching "effectiveDateTime"). It is a fallback used
// when no full FHIRPath engine is configured.
package fhirpath

import (
	"strings"

	"github.com/heliosfhir/fhirstore/internal/fhircontent"
)

type segmentKind int

const (
	segmentField segmentKind = iota
	segmentTypeFilter
)

type segment struct {
	kind segmentKind
	text string
}

// Evaluate walks expression against root and returns every matching node,
// flattening arrays encountered along the way. A "|" expression yields the
// results of each alternative in order, skipping alternatives whose leading
// resource type differs from root's resourceType.
func Evaluate(root fhircontent.Node, expression string) []fhircontent.Node {
	if strings.Contains(expression, "|") {
		rootType := ""
		if obj, ok := root.(fhircontent.Object); ok {
			rootType = fhircontent.StringField(obj, "resourceType")
		}
		var out []fhircontent.Node
		for _, alt := range strings.Split(expression, "|") {
			alt = strings.TrimSpace(alt)
			if head, _, ok := strings.Cut(alt, "."); ok && rootType != "" && head != rootType {
				continue
			}
			out = append(out, Evaluate(root, alt)...)
		}
		return out
	}

	segments := parsePath(expression)
	if len(segments) == 0 {
		return nil
	}

	return navigate(root, segments)
}

func parsePath(expression string) []segment {
	current := expression

	if dot := strings.IndexByte(current, '.'); dot >= 0 {
		prefix := current[:dot]
		if len(prefix) > 0 && prefix[0] >= 'A' && prefix[0] <= 'Z' {
			current = current[dot+1:]
		}
	}

	var segments []segment

	path := current
	for path != "" {
		if paren := strings.IndexByte(path, '('); paren >= 0 {
			name := path[:paren]
			if close := strings.IndexByte(path, ')'); close >= 0 {
				funcName := name
				if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
					funcName = name[dot+1:]
				}

				arg := path[paren+1 : close]

				switch funcName {
				case "where", "ofType", "resolve":
					if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
						for _, field := range strings.Split(name[:dot], ".") {
							if field != "" {
								segments = append(segments, segment{kind: segmentField, text: field})
							}
						}
					}

					if close+1 < len(path) && path[close+1] == '.' {
						path = path[close+2:]
					} else {
						path = path[close+1:]
					}

					if funcName == "ofType" {
						segments = append(segments, segment{kind: segmentTypeFilter, text: arg})
					}

					continue
				}
			}
		}

		dot := strings.IndexByte(path, '.')
		if dot < 0 {
			dot = len(path)
		}

		paren := strings.IndexByte(path, '(')
		if paren < 0 {
			paren = len(path)
		}

		end := dot
		if paren < end {
			end = paren
		}

		if end > 0 {
			field := path[:end]
			if field != "" {
				segments = append(segments, segment{kind: segmentField, text: field})
			}
		}

		if end < len(path) && path[end] == '.' {
			path = path[end+1:]
		} else {
			path = path[end:]
		}

		if strings.HasPrefix(path, "(") {
			if end2 := strings.IndexByte(path, ')'); end2 >= 0 {
				path = path[end2+1:]
				path = strings.TrimPrefix(path, ".")
			} else {
				break
			}
		}
	}

	return segments
}

func navigate(value fhircontent.Node, segments []segment) []fhircontent.Node {
	if len(segments) == 0 {
		return []fhircontent.Node{value}
	}

	head, rest := segments[0], segments[1:]

	switch head.kind {
	case segmentField:
		return navigateField(value, head.text, rest)
	case segmentTypeFilter:
		obj, ok := value.(fhircontent.Object)
		if !ok {
			return nil
		}

		if rt, ok := obj["resourceType"].(fhircontent.String); ok && string(rt) == head.text {
			return navigate(value, rest)
		}

		return nil
	}

	return nil
}

func navigateField(value fhircontent.Node, name string, rest []segment) []fhircontent.Node {
	switch v := value.(type) {
	case fhircontent.Object:
		if child, ok := v[name]; ok {
			return navigate(child, rest)
		}

		var candidates []string

		for k := range v {
			if strings.HasPrefix(k, name) {
				candidates = append(candidates, k)
			}
		}

		if len(candidates) == 1 {
			return navigate(v[candidates[0]], rest)
		}

		return nil
	case fhircontent.Array:
		var out []fhircontent.Node

		for _, item := range v {
			out = append(out, navigateField(item, name, rest)...)
		}

		return out
	default:
		return nil
	}
}
