package executor

import (
	"strings"

	"github.com/heliosfhir/fhirstore/internal/fhircontent"
)

// walkForReferences searches content for a field named paramName, or any
// nested object carrying a "reference" string field as a generic
// fallback, and returns every resourceRef it finds.
func walkForReferences(content fhircontent.Node, paramName string) []resourceRef {
	var out []resourceRef

	var walk func(n fhircontent.Node, fieldName string)

	walk = func(n fhircontent.Node, fieldName string) {
		switch v := n.(type) {
		case fhircontent.Object:
			if fieldName == paramName {
				if ref, ok := referenceFrom(v); ok {
					out = append(out, ref)
					return
				}
			}

			for k, child := range v {
				walk(child, k)
			}
		case fhircontent.Array:
			for _, child := range v {
				walk(child, fieldName)
			}
		}
	}

	walk(content, "")

	return out
}

func referenceFrom(obj fhircontent.Object) (resourceRef, bool) {
	literal := fhircontent.StringField(obj, "reference")
	if literal == "" {
		return resourceRef{}, false
	}

	idx := strings.LastIndex(literal, "/")
	if idx < 0 {
		return resourceRef{}, false
	}

	rt := literal[:idx]
	if s := strings.LastIndex(rt, "/"); s >= 0 {
		rt = rt[s+1:]
	}

	return resourceRef{ResourceType: rt, ID: literal[idx+1:]}, true
}
