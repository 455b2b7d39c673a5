package fhirmodel

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ParamType enumerates the FHIR search parameter types a
// SearchParameterDefinition may declare.
type ParamType string

const (
	ParamString    ParamType = "string"
	ParamToken     ParamType = "token"
	ParamDate      ParamType = "date"
	ParamNumber    ParamType = "number"
	ParamQuantity  ParamType = "quantity"
	ParamReference ParamType = "reference"
	ParamURI       ParamType = "uri"
	ParamComposite ParamType = "composite"
	ParamSpecial   ParamType = "special"
)

// DatePrecision is the granularity of a Date index value.
type DatePrecision string

const (
	PrecisionYear   DatePrecision = "year"
	PrecisionMonth  DatePrecision = "month"
	PrecisionDay    DatePrecision = "day"
	PrecisionHour   DatePrecision = "hour"
	PrecisionMinute DatePrecision = "minute"
	PrecisionSecond DatePrecision = "second"
	PrecisionMillis DatePrecision = "ms"
)

// IndexValue is a typed, per-parameter extracted value. Canonical renders
// the value the way a search parameter=value match against it would be
// written, so a query built from a resource's own extracted values
// always matches that resource back.
type IndexValue interface {
	Kind() ParamType
	Canonical() string
}

type StringValue string

func (StringValue) Kind() ParamType    { return ParamString }
func (v StringValue) Canonical() string { return string(v) }

// TokenValue is a system|code pair (system optional).
type TokenValue struct {
	System          string
	Code            string
	Display         string
	IDTypeSystem    string
	IDTypeCode      string
}

func (TokenValue) Kind() ParamType { return ParamToken }

func (v TokenValue) Canonical() string {
	if v.System == "" {
		return v.Code
	}

	return v.System + "|" + v.Code
}

// DateValue is a date/time value with an explicit precision.
type DateValue struct {
	Value     string // ISO-8601, truncated to Precision
	Precision DatePrecision
}

func (DateValue) Kind() ParamType     { return ParamDate }
func (v DateValue) Canonical() string { return v.Value }

// NumberValue is an arbitrary-precision decimal.
type NumberValue struct {
	Value decimal.Decimal
}

func (NumberValue) Kind() ParamType     { return ParamNumber }
func (v NumberValue) Canonical() string { return v.Value.String() }

// QuantityValue is a numeric value with an optional unit/system/code.
type QuantityValue struct {
	Value  decimal.Decimal
	Unit   string
	System string
	Code   string
}

func (QuantityValue) Kind() ParamType { return ParamQuantity }

func (v QuantityValue) Canonical() string {
	if v.System == "" && v.Code == "" {
		if v.Unit == "" {
			return v.Value.String()
		}

		return fmt.Sprintf("%s|%s", v.Value.String(), v.Unit)
	}

	return fmt.Sprintf("%s|%s|%s", v.Value.String(), v.System, v.Code)
}

// ReferenceValue is a (possibly typed) reference to another resource.
type ReferenceValue struct {
	Literal string
	Type    string
	ID      string
}

func (ReferenceValue) Kind() ParamType { return ParamReference }

func (v ReferenceValue) Canonical() string {
	if v.Literal != "" {
		return v.Literal
	}

	if v.Type != "" {
		return v.Type + "/" + v.ID
	}

	return v.ID
}

type URIValue string

func (URIValue) Kind() ParamType    { return ParamURI }
func (v URIValue) Canonical() string { return string(v) }

// ExtractedValue is what the extractor yields per parameter per resource.
type ExtractedValue struct {
	ParamName      string
	ParamURL       string
	ParamType      ParamType
	Value          IndexValue
	CompositeGroup string // empty when the value is not part of a composite
}
