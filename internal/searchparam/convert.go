package searchparam

import (
	"fmt"
	"strings"

	"github.com/heliosfhir/fhirstore/internal/fhircontent"
	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
	"github.com/shopspring/decimal"
)

// Convert turns one FHIRPath-evaluated node into zero or more IndexValues
// for paramType. Most types yield exactly one value; token/quantity-shaped
// objects may be walked for system/code/value triples.
func Convert(n fhircontent.Node, paramType fhirmodel.ParamType) ([]fhirmodel.IndexValue, error) {
	switch paramType {
	case fhirmodel.ParamString:
		return convertString(n)
	case fhirmodel.ParamToken:
		return convertToken(n)
	case fhirmodel.ParamDate:
		return convertDate(n)
	case fhirmodel.ParamNumber:
		return convertNumber(n)
	case fhirmodel.ParamQuantity:
		return convertQuantity(n)
	case fhirmodel.ParamReference:
		return convertReference(n)
	case fhirmodel.ParamURI:
		return convertURI(n)
	default:
		return nil, fmt.Errorf("searchparam: unsupported parameter type %q", paramType)
	}
}

func asString(n fhircontent.Node) (string, bool) {
	switch v := n.(type) {
	case fhircontent.String:
		return string(v), true
	case fhircontent.Number:
		return v.Text, true
	case fhircontent.Bool:
		if v {
			return "true", true
		}

		return "false", true
	default:
		return "", false
	}
}

func convertString(n fhircontent.Node) ([]fhirmodel.IndexValue, error) {
	s, ok := asString(n)
	if !ok {
		return nil, fmt.Errorf("searchparam: expected scalar for string parameter")
	}

	return []fhirmodel.IndexValue{fhirmodel.StringValue(s)}, nil
}

func convertURI(n fhircontent.Node) ([]fhirmodel.IndexValue, error) {
	s, ok := asString(n)
	if !ok {
		return nil, fmt.Errorf("searchparam: expected scalar for uri parameter")
	}

	return []fhirmodel.IndexValue{fhirmodel.URIValue(s)}, nil
}

func convertToken(n fhircontent.Node) ([]fhirmodel.IndexValue, error) {
	if obj, ok := n.(fhircontent.Object); ok {
		// Coding/Identifier-shaped object: {system, code, value, display}.
		system := fhircontent.StringField(obj, "system")
		code := fhircontent.StringField(obj, "code")

		if code == "" {
			code = fhircontent.StringField(obj, "value")
		}

		if codeableConcept, ok := obj["coding"].(fhircontent.Array); ok {
			var values []fhirmodel.IndexValue

			for _, c := range codeableConcept {
				cv, err := convertToken(c)
				if err != nil {
					return nil, err
				}

				values = append(values, cv...)
			}

			return values, nil
		}

		if code == "" {
			return nil, fmt.Errorf("searchparam: token object missing code/value")
		}

		return []fhirmodel.IndexValue{fhirmodel.TokenValue{
			System:  system,
			Code:    code,
			Display: fhircontent.StringField(obj, "display"),
		}}, nil
	}

	s, ok := asString(n)
	if !ok {
		return nil, fmt.Errorf("searchparam: expected scalar or token object")
	}

	return []fhirmodel.IndexValue{fhirmodel.TokenValue{Code: s}}, nil
}

func convertDate(n fhircontent.Node) ([]fhirmodel.IndexValue, error) {
	s, ok := asString(n)
	if !ok {
		return nil, fmt.Errorf("searchparam: expected scalar for date parameter")
	}

	precision := fhirmodel.PrecisionDay
	switch strings.Count(s, "-") + strings.Count(s, ":") {
	case 0:
		precision = fhirmodel.PrecisionYear
	case 1:
		precision = fhirmodel.PrecisionMonth
	}

	if strings.Contains(s, "T") {
		precision = fhirmodel.PrecisionSecond
	}

	return []fhirmodel.IndexValue{fhirmodel.DateValue{Value: s, Precision: precision}}, nil
}

func convertNumber(n fhircontent.Node) ([]fhirmodel.IndexValue, error) {
	num, ok := n.(fhircontent.Number)
	if !ok {
		return nil, fmt.Errorf("searchparam: expected number for number parameter")
	}

	d, err := decimal.NewFromString(num.Text)
	if err != nil {
		return nil, fmt.Errorf("searchparam: invalid decimal %q: %w", num.Text, err)
	}

	return []fhirmodel.IndexValue{fhirmodel.NumberValue{Value: d}}, nil
}

func convertQuantity(n fhircontent.Node) ([]fhirmodel.IndexValue, error) {
	obj, ok := n.(fhircontent.Object)
	if !ok {
		return nil, fmt.Errorf("searchparam: expected Quantity object")
	}

	valueNode, ok := obj["value"].(fhircontent.Number)
	if !ok {
		return nil, fmt.Errorf("searchparam: Quantity missing numeric value")
	}

	d, err := decimal.NewFromString(valueNode.Text)
	if err != nil {
		return nil, fmt.Errorf("searchparam: invalid decimal %q: %w", valueNode.Text, err)
	}

	return []fhirmodel.IndexValue{fhirmodel.QuantityValue{
		Value:  d,
		Unit:   fhircontent.StringField(obj, "unit"),
		System: fhircontent.StringField(obj, "system"),
		Code:   fhircontent.StringField(obj, "code"),
	}}, nil
}

func convertReference(n fhircontent.Node) ([]fhirmodel.IndexValue, error) {
	var literal string

	switch v := n.(type) {
	case fhircontent.Object:
		literal = fhircontent.StringField(v, "reference")
	case fhircontent.String:
		literal = string(v)
	default:
		return nil, fmt.Errorf("searchparam: expected Reference object or string")
	}

	if literal == "" {
		return nil, fmt.Errorf("searchparam: reference missing literal reference")
	}

	rv := fhirmodel.ReferenceValue{Literal: literal}

	if idx := strings.LastIndex(literal, "/"); idx > 0 {
		rv.Type = literal[:idx]
		rv.ID = literal[idx+1:]

		if s := strings.LastIndex(rv.Type, "/"); s >= 0 {
			rv.Type = rv.Type[s+1:]
		}
	}

	return []fhirmodel.IndexValue{rv}, nil
}
