package mongo

import (
	"context"

	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
	"github.com/heliosfhir/fhirstore/internal/mlog"
)

// indexEntry is one extracted search-parameter value, stored inline on the
// document itself the way fhir_search_index stores it as a row: a flat
// array the document carries means Search can filter on "idx.n"/"idx.c"/...
// without a join, the document-store analogue of postgres's search-index
// table.
type indexEntry struct {
	Name           string `bson:"n"`
	Type           string `bson:"t"`
	CompositeGroup string `bson:"cg,omitempty"`
	String         string `bson:"s,omitempty"`
	TokenSystem    string `bson:"sys,omitempty"`
	TokenCode      string `bson:"c,omitempty"`
	Date           string `bson:"d,omitempty"`
	Number         string `bson:"num,omitempty"`
	QuantityValue  string `bson:"qv,omitempty"`
	QuantityUnit   string `bson:"qu,omitempty"`
	QuantitySystem string `bson:"qs,omitempty"`
	QuantityCode   string `bson:"qc,omitempty"`
	RefType        string `bson:"rt,omitempty"`
	RefID          string `bson:"rid,omitempty"`
	URI            string `bson:"uri,omitempty"`
}

// buildIndex runs b.extractor over r, logging and returning nil on
// extraction failure rather than blocking the write — the same tradeoff
// postgres's reindex makes.
func (b *Backend) buildIndex(ctx context.Context, r fhirmodel.StoredResource) []indexEntry {
	if b.extractor == nil {
		return nil
	}

	values, err := b.extractor.Extract(ctx, r)
	if err != nil {
		mlog.FromContext(ctx).Warnf("mongo: extraction failed for %s/%s: %v", r.ResourceType, r.ID, err)

		return nil
	}

	entries := make([]indexEntry, 0, len(values))

	for _, v := range values {
		entries = append(entries, toIndexEntry(v))
	}

	return entries
}

func toIndexEntry(v fhirmodel.ExtractedValue) indexEntry {
	e := indexEntry{Name: v.ParamName, Type: string(v.ParamType), CompositeGroup: v.CompositeGroup}

	switch value := v.Value.(type) {
	case fhirmodel.StringValue:
		e.String = string(value)
	case fhirmodel.TokenValue:
		e.TokenSystem = value.System
		e.TokenCode = value.Code
	case fhirmodel.DateValue:
		e.Date = value.Value
	case fhirmodel.NumberValue:
		e.Number = value.Value.String()
	case fhirmodel.QuantityValue:
		e.QuantityValue = value.Value.String()
		e.QuantityUnit = value.Unit
		e.QuantitySystem = value.System
		e.QuantityCode = value.Code
	case fhirmodel.ReferenceValue:
		e.RefType = value.Type
		e.RefID = value.ID
		e.String = value.Canonical()
	case fhirmodel.URIValue:
		e.URI = string(value)
	}

	return e
}
