package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
	"github.com/heliosfhir/fhirstore/internal/searchquery"
	"github.com/heliosfhir/fhirstore/internal/storage"
	"github.com/heliosfhir/fhirstore/internal/tenant"
)

// keysetCursor is this backend's opaque searchquery.Cursor.Opaque payload:
// a keyset on (last_updated, id), descending, so pagination survives
// concurrent inserts without an OFFSET scan.
type keysetCursor struct {
	LastUpdated time.Time `json:"lu"`
	LastID      string    `json:"id"`
}

const defaultSearchCount = 50

// Search implements storage.Searchable over the search-index join. Each
// non-special Parameter joins fhir_search_index once under its own alias;
// "_id" and "_lastUpdated" filter the base table directly since they're
// resource columns, not extracted index values.
func (b *Backend) Search(ctx context.Context, tc tenant.Context, q searchquery.Query) (storage.SearchResult, error) {
	db, err := b.conn.GetDB()
	if err != nil {
		return storage.SearchResult{}, err
	}

	builder := sqrl.Select("r.resource_type", "r.id", "r.version_id", "r.content", "r.last_updated", "r.created_at", "r.deleted_at").
		Distinct().
		From(fmt.Sprintf("%s r", tableResource)).
		Where(sqrl.Eq{"r.tenant_id": string(tc.TenantID), "r.resource_type": q.ResourceType}).
		Where(sqrl.Eq{"r.deleted_at": nil}).
		PlaceholderFormat(sqrl.Dollar)

	for i, p := range q.Params {
		builder, err = applyParameter(builder, i, p)
		if err != nil {
			return storage.SearchResult{}, err
		}
	}

	count := q.Count
	if count <= 0 {
		count = defaultSearchCount
	}

	if q.Cursor != nil && q.Cursor.Backend == b.name {
		var cursor keysetCursor
		if err := json.Unmarshal(q.Cursor.Opaque, &cursor); err != nil {
			return storage.SearchResult{}, fmt.Errorf("postgres: malformed cursor: %w", err)
		}

		builder = builder.Where(sqrl.Or{
			sqrl.Lt{"r.last_updated": cursor.LastUpdated},
			sqrl.And{sqrl.Eq{"r.last_updated": cursor.LastUpdated}, sqrl.Lt{"r.id": cursor.LastID}},
		})
	}

	builder = builder.OrderBy("r.last_updated DESC", "r.id DESC").Limit(uint64(count) + 1)

	query, args, err := builder.ToSql()
	if err != nil {
		return storage.SearchResult{}, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return storage.SearchResult{}, err
	}
	defer rows.Close()

	var resources []fhirmodel.StoredResource

	for rows.Next() {
		var row resourceRow

		if err := rows.Scan(&row.ResourceType, &row.ID, &row.VersionID, &row.Content, &row.LastUpdated, &row.CreatedAt, &row.DeletedAt); err != nil {
			return storage.SearchResult{}, err
		}

		sr, err := row.toStoredResource(tc.TenantID)
		if err != nil {
			return storage.SearchResult{}, err
		}

		resources = append(resources, sr)
	}

	if err := rows.Err(); err != nil {
		return storage.SearchResult{}, err
	}

	result := storage.SearchResult{Resources: resources}

	if len(resources) > count {
		last := resources[count-1]
		result.Resources = resources[:count]

		opaque, err := json.Marshal(keysetCursor{LastUpdated: last.LastUpdated, LastID: last.ID})
		if err != nil {
			return storage.SearchResult{}, err
		}

		result.Next = &searchquery.Cursor{Backend: b.name, Opaque: opaque}
	}

	if q.TotalMode == searchquery.TotalAccurate {
		total, err := b.countMatching(ctx, tc, q)
		if err != nil {
			return storage.SearchResult{}, err
		}

		result.Total = &total
	}

	return result, nil
}

func (b *Backend) countMatching(ctx context.Context, tc tenant.Context, q searchquery.Query) (int64, error) {
	db, err := b.conn.GetDB()
	if err != nil {
		return 0, err
	}

	builder := sqrl.Select("COUNT(DISTINCT r.id)").
		From(fmt.Sprintf("%s r", tableResource)).
		Where(sqrl.Eq{"r.tenant_id": string(tc.TenantID), "r.resource_type": q.ResourceType}).
		Where(sqrl.Eq{"r.deleted_at": nil}).
		PlaceholderFormat(sqrl.Dollar)

	var err2 error

	for i, p := range q.Params {
		builder, err2 = applyParameter(builder, i, p)
		if err2 != nil {
			return 0, err2
		}
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return 0, err
	}

	var total int64

	if err := db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, err
	}

	return total, nil
}

// applyParameter joins fhir_search_index under a per-parameter alias and
// constrains it to p's values, or filters the base table directly for the
// "_id"/"_lastUpdated" special parameters.
func applyParameter(builder sqrl.SelectBuilder, i int, p searchquery.Parameter) (sqrl.SelectBuilder, error) {
	switch p.Name {
	case "_id":
		if len(p.Values) == 0 {
			return builder, nil
		}

		ids := make([]string, len(p.Values))
		for i, v := range p.Values {
			ids[i] = v.Raw
		}

		return builder.Where(sqrl.Eq{"r.id": ids}), nil
	case "_lastUpdated":
		if len(p.Values) == 0 {
			return builder, nil
		}

		return applyLastUpdated(builder, p.Values[0])
	default:
		return applyIndexJoin(builder, i, p), nil
	}
}

func applyLastUpdated(builder sqrl.SelectBuilder, v searchquery.Value) (sqrl.SelectBuilder, error) {
	t, err := time.Parse(time.RFC3339, v.Raw)
	if err != nil {
		return builder, fmt.Errorf("postgres: invalid _lastUpdated value %q: %w", v.Raw, err)
	}

	switch v.Prefix {
	case searchquery.PrefixGT, searchquery.PrefixSA:
		return builder.Where(sqrl.Gt{"r.last_updated": t}), nil
	case searchquery.PrefixGE:
		return builder.Where(sqrl.GtOrEq{"r.last_updated": t}), nil
	case searchquery.PrefixLT, searchquery.PrefixEB:
		return builder.Where(sqrl.Lt{"r.last_updated": t}), nil
	case searchquery.PrefixLE:
		return builder.Where(sqrl.LtOrEq{"r.last_updated": t}), nil
	case searchquery.PrefixNE:
		return builder.Where(sqrl.NotEq{"r.last_updated": t}), nil
	default:
		return builder.Where(sqrl.Eq{"r.last_updated": t}), nil
	}
}

func applyIndexJoin(builder sqrl.SelectBuilder, i int, p searchquery.Parameter) sqrl.SelectBuilder {
	alias := fmt.Sprintf("si%d", i)

	builder = builder.Join(fmt.Sprintf("%s %s ON %s.tenant_id = r.tenant_id AND %s.resource_type = r.resource_type AND %s.resource_id = r.id AND %s.param_name = ?",
		tableSearchIndex, alias, alias, alias, alias, alias), p.Name)

	var or sqrl.Or

	for _, v := range p.Values {
		or = append(or, valuePredicate(alias, p.Modifier, v))
	}

	if len(or) > 0 {
		builder = builder.Where(or)
	}

	return builder
}

// valuePredicate renders one OR-group alternative of a parameter's values
// against the index alias's typed columns.
func valuePredicate(alias string, modifier searchquery.Modifier, v searchquery.Value) sqrl.Sqlizer {
	switch modifier {
	case searchquery.ModifierMissing:
		if v.Raw == "true" {
			return sqrl.Expr(fmt.Sprintf("%s.value_string IS NULL AND %s.token_code IS NULL", alias, alias))
		}

		return sqrl.Expr(fmt.Sprintf("%s.value_string IS NOT NULL OR %s.token_code IS NOT NULL", alias, alias))
	case searchquery.ModifierExact:
		return sqrl.Eq{alias + ".value_string": v.Raw}
	case searchquery.ModifierContains:
		return sqrl.ILike{alias + ".value_string": "%" + v.Raw + "%"}
	case searchquery.ModifierNot:
		return sqrl.NotEq{alias + ".token_code": v.Raw}
	default:
		return tokenOrStringPredicate(alias, v.Raw)
	}
}

// tokenOrStringPredicate handles the common default case: a token
// system|code pair when the raw value contains "|", a bare token code, or
// a case-insensitive string prefix match otherwise — any one column
// matching is sufficient since a row only ever populates the columns for
// its own param_type.
func tokenOrStringPredicate(alias, raw string) sqrl.Sqlizer {
	for i := range raw {
		if raw[i] == '|' {
			system, code := raw[:i], raw[i+1:]

			return sqrl.Or{
				sqrl.Eq{alias + ".token_system": system, alias + ".token_code": code},
				sqrl.Eq{alias + ".uri_value": raw},
			}
		}
	}

	return sqrl.Or{
		sqrl.Eq{alias + ".token_code": raw},
		sqrl.ILike{alias + ".value_string": raw + "%"},
		sqrl.Eq{alias + ".ref_id": raw},
		sqrl.Eq{alias + ".uri_value": raw},
		sqrl.Eq{alias + ".number_value": raw},
	}
}
