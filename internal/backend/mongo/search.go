package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
	"github.com/heliosfhir/fhirstore/internal/searchquery"
	"github.com/heliosfhir/fhirstore/internal/storage"
	"github.com/heliosfhir/fhirstore/internal/tenant"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultSearchCount = 50

// Search implements storage.Searchable by filtering against each
// document's own "idx" array, populated at write time by Backend.buildIndex
// from the same searchparam.Extractor postgres indexes with, the
// document-store analogue of the join postgres does against its
// search-index table. "_id" and "_lastUpdated" filter document fields
// directly since they aren't extracted index values.
func (b *Backend) Search(ctx context.Context, tc tenant.Context, q searchquery.Query) (storage.SearchResult, error) {
	coll, err := b.conn.collection(ctx, collectionName(q.ResourceType))
	if err != nil {
		return storage.SearchResult{}, err
	}

	filter := bson.M{"tenant_id": string(tc.TenantID), "deleted_at": bson.M{"$exists": false}}

	for _, p := range q.Params {
		if err := applyMongoParameter(filter, p); err != nil {
			return storage.SearchResult{}, err
		}
	}

	count := q.Count
	if count <= 0 {
		count = defaultSearchCount
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "last_updated", Value: -1}, {Key: "_id", Value: -1}}).SetLimit(int64(count) + 1)

	if q.Cursor != nil && q.Cursor.Backend == b.name {
		var cursor mongoCursor
		if err := json.Unmarshal(q.Cursor.Opaque, &cursor); err != nil {
			return storage.SearchResult{}, fmt.Errorf("mongo: malformed cursor: %w", err)
		}

		filter["_id"] = bson.M{"$lt": cursor.LastID}
	}

	cur, err := coll.Find(ctx, filter, findOpts)
	if err != nil {
		return storage.SearchResult{}, err
	}
	defer cur.Close(ctx)

	var resources []fhirmodel.StoredResource

	for cur.Next(ctx) {
		var doc mongoDoc
		if err := cur.Decode(&doc); err != nil {
			return storage.SearchResult{}, err
		}

		sr, err := doc.toStoredResource()
		if err != nil {
			return storage.SearchResult{}, err
		}

		resources = append(resources, sr)
	}

	if err := cur.Err(); err != nil {
		return storage.SearchResult{}, err
	}

	result := storage.SearchResult{Resources: resources}

	if len(resources) > count {
		result.Resources = resources[:count]

		opaque, err := json.Marshal(mongoCursor{LastID: documentID(tc.TenantID, result.Resources[count-1].ID)})
		if err != nil {
			return storage.SearchResult{}, err
		}

		result.Next = &searchquery.Cursor{Backend: b.name, Opaque: opaque}
	}

	if q.TotalMode == searchquery.TotalAccurate {
		total, err := coll.CountDocuments(ctx, filter)
		if err != nil {
			return storage.SearchResult{}, err
		}

		result.Total = &total
	}

	return result, nil
}

type mongoCursor struct {
	LastID string `json:"id"`
}

// applyMongoParameter constrains filter for one search parameter: "_id"
// and "_lastUpdated" filter document fields directly, since they're
// resource metadata rather than extracted index values; every other
// parameter constrains the "idx" array via $elemMatch.
func applyMongoParameter(filter bson.M, p searchquery.Parameter) error {
	if len(p.Values) == 0 && p.Modifier != searchquery.ModifierMissing {
		return nil
	}

	switch p.Name {
	case "_id":
		ids := make([]string, len(p.Values))
		for i, v := range p.Values {
			ids[i] = v.Raw
		}

		filter["resource_id"] = bson.M{"$in": ids}

		return nil
	case "_lastUpdated":
		return applyLastUpdated(filter, p.Values)
	default:
		return applyIndexParameter(filter, p)
	}
}

func applyLastUpdated(filter bson.M, values []searchquery.Value) error {
	if len(values) == 0 {
		return nil
	}

	v := values[0]

	t, err := time.Parse(time.RFC3339, v.Raw)
	if err != nil {
		return fmt.Errorf("mongo: invalid _lastUpdated value %q: %w", v.Raw, err)
	}

	switch v.Prefix {
	case searchquery.PrefixGT, searchquery.PrefixSA:
		filter["last_updated"] = bson.M{"$gt": t}
	case searchquery.PrefixGE:
		filter["last_updated"] = bson.M{"$gte": t}
	case searchquery.PrefixLT, searchquery.PrefixEB:
		filter["last_updated"] = bson.M{"$lt": t}
	case searchquery.PrefixLE:
		filter["last_updated"] = bson.M{"$lte": t}
	case searchquery.PrefixNE:
		filter["last_updated"] = bson.M{"$ne": t}
	default:
		filter["last_updated"] = t
	}

	return nil
}

func applyIndexParameter(filter bson.M, p searchquery.Parameter) error {
	if p.Modifier == searchquery.ModifierMissing {
		appendAnd(filter, missingCondition(p))

		return nil
	}

	or := make([]bson.M, 0, len(p.Values))
	for _, v := range p.Values {
		or = append(or, valueElemMatch(p.Name, p.Modifier, v))
	}

	appendAnd(filter, bson.M{"$or": or})

	return nil
}

// missingCondition implements the ":missing" modifier: "true" requires no
// idx entry named p.Name, "false" requires at least one.
func missingCondition(p searchquery.Parameter) bson.M {
	present := bson.M{"idx": bson.M{"$elemMatch": bson.M{"n": p.Name}}}

	if len(p.Values) > 0 && p.Values[0].Raw == "true" {
		return bson.M{"idx": bson.M{"$not": bson.M{"$elemMatch": bson.M{"n": p.Name}}}}
	}

	return present
}

// valueElemMatch renders one OR-group alternative of a parameter's values
// against the document's "idx" array.
func valueElemMatch(name string, modifier searchquery.Modifier, v searchquery.Value) bson.M {
	match := bson.M{"n": name}

	switch modifier {
	case searchquery.ModifierExact:
		match["s"] = v.Raw
	case searchquery.ModifierContains:
		match["s"] = bson.M{"$regex": regexp.QuoteMeta(v.Raw), "$options": "i"}
	case searchquery.ModifierNot:
		match["c"] = bson.M{"$ne": v.Raw}
	default:
		match["$or"] = tokenOrStringConditions(v.Raw)
	}

	return bson.M{"idx": bson.M{"$elemMatch": match}}
}

// tokenOrStringConditions handles the common default case: a token
// system|code pair when the raw value contains "|", or a bare token
// code/reference id/uri/number match/case-insensitive string prefix
// otherwise — any one field matching is sufficient since an entry only
// ever populates the fields for its own parameter type.
func tokenOrStringConditions(raw string) []bson.M {
	if system, code, ok := splitToken(raw); ok {
		return []bson.M{
			{"sys": system, "c": code},
			{"uri": raw},
		}
	}

	return []bson.M{
		{"c": raw},
		{"s": bson.M{"$regex": "^" + regexp.QuoteMeta(raw), "$options": "i"}},
		{"rid": raw},
		{"uri": raw},
		{"num": raw},
	}
}

func splitToken(raw string) (system, code string, ok bool) {
	for i := range raw {
		if raw[i] == '|' {
			return raw[:i], raw[i+1:], true
		}
	}

	return "", "", false
}

func appendAnd(filter bson.M, cond bson.M) {
	existing, _ := filter["$and"].([]bson.M)
	filter["$and"] = append(existing, cond)
}
