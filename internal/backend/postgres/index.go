package postgres

import (
	"context"
	"database/sql"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
	"github.com/heliosfhir/fhirstore/internal/mlog"
	"github.com/heliosfhir/fhirstore/internal/tenant"
)

// reindex deletes stored's prior index rows and re-extracts+inserts fresh
// ones.
func (b *Backend) reindex(ctx context.Context, tx *sql.Tx, tc tenant.Context, stored fhirmodel.StoredResource) error {
	if err := b.deleteIndexRowsTx(ctx, tx, tc, stored.ResourceType, stored.ID); err != nil {
		return err
	}

	values, err := b.extractor.Extract(ctx, stored)
	if err != nil {
		mlog.FromContext(ctx).Warnf("postgres: extraction failed for %s/%s: %v", stored.ResourceType, stored.ID, err)

		return nil
	}

	for _, v := range values {
		if err := b.insertIndexRow(ctx, tx, tc, stored.ResourceType, stored.ID, v); err != nil {
			return err
		}
	}

	return nil
}

func (b *Backend) deleteIndexRows(ctx context.Context, tx *sql.Tx, tc tenant.Context, resourceType, id string) error {
	return b.deleteIndexRowsTx(ctx, tx, tc, resourceType, id)
}

func (b *Backend) deleteIndexRowsTx(ctx context.Context, tx *sql.Tx, tc tenant.Context, resourceType, id string) error {
	query, args, err := sqrl.Delete(tableSearchIndex).
		Where(sqrl.Eq{"tenant_id": string(tc.TenantID), "resource_type": resourceType, "resource_id": id}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, query, args...)

	return err
}

// insertIndexRow writes one ExtractedValue as a typed row keyed by
// (tenant, rt, resource_id, param_name, value-columns...).
func (b *Backend) insertIndexRow(ctx context.Context, tx *sql.Tx, tc tenant.Context, resourceType, id string, v fhirmodel.ExtractedValue) error {
	row := map[string]any{
		"tenant_id":       string(tc.TenantID),
		"resource_type":   resourceType,
		"resource_id":     id,
		"param_name":      v.ParamName,
		"param_url":       v.ParamURL,
		"param_type":      string(v.ParamType),
		"composite_group": v.CompositeGroup,
	}

	switch value := v.Value.(type) {
	case fhirmodel.StringValue:
		row["value_string"] = string(value)
	case fhirmodel.TokenValue:
		row["token_system"] = value.System
		row["token_code"] = value.Code
	case fhirmodel.DateValue:
		row["date_start"] = value.Value
		row["date_end"] = value.Value
	case fhirmodel.NumberValue:
		row["number_value"] = value.Value.String()
	case fhirmodel.QuantityValue:
		row["quantity_value"] = value.Value.String()
		row["quantity_unit"] = value.Unit
		row["quantity_system"] = value.System
		row["quantity_code"] = value.Code
	case fhirmodel.ReferenceValue:
		row["ref_type"] = value.Type
		row["ref_id"] = value.ID
		row["value_string"] = value.Canonical()
	case fhirmodel.URIValue:
		row["uri_value"] = string(value)
	}

	columns := make([]string, 0, len(row))
	values := make([]any, 0, len(row))

	for col, val := range row {
		columns = append(columns, col)
		values = append(values, val)
	}

	query, args, err := sqrl.Insert(tableSearchIndex).
		Columns(columns...).
		Values(values...).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, query, args...)

	return err
}
