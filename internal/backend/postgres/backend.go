package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/heliosfhir/fhirstore/internal/fhircontent"
	"github.com/heliosfhir/fhirstore/internal/ferrors"
	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
	"github.com/heliosfhir/fhirstore/internal/mlog"
	"github.com/heliosfhir/fhirstore/internal/searchparam"
	"github.com/heliosfhir/fhirstore/internal/storage"
	"github.com/heliosfhir/fhirstore/internal/tenant"
)

// Backend is the primary storage.Backend implementation: a single
// PostgreSQL database holding the current-version table, a history table,
// and a search-index table side effect.
type Backend struct {
	name      string
	conn      *Connection
	extractor *searchparam.Extractor
}

// New builds a Backend named name over conn, indexing resources on write
// via extractor.
func New(name string, conn *Connection, extractor *searchparam.Extractor) *Backend {
	return &Backend{name: name, conn: conn, extractor: extractor}
}

func (b *Backend) Name() string { return b.name }

// Capabilities declares the full contract: postgres is the canonical
// primary, so it carries every capability the composite router can route
// on.
func (b *Backend) Capabilities() storage.CapabilitySet {
	return storage.NewCapabilitySet(
		storage.CapCRUD,
		storage.CapConditional,
		storage.CapVersioned,
		storage.CapTransaction,
		storage.CapSearch,
		storage.CapHistory,
		storage.CapIncludes,
	)
}

func (b *Backend) Ping(ctx context.Context) error {
	db, err := b.conn.GetDB()
	if err != nil {
		return err
	}

	return db.PingContext(ctx)
}

type resourceRow struct {
	ResourceType string
	ID           string
	VersionID    int64
	Content      []byte
	LastUpdated  time.Time
	CreatedAt    time.Time
	DeletedAt    sql.NullTime
}

func (row resourceRow) toStoredResource(tenantID tenant.ID) (fhirmodel.StoredResource, error) {
	content, err := fhircontent.Parse(row.Content)
	if err != nil {
		return fhirmodel.StoredResource{}, fmt.Errorf("postgres: parse content: %w", err)
	}

	sr := fhirmodel.StoredResource{
		ResourceType: row.ResourceType,
		ID:           row.ID,
		VersionID:    fhirmodel.Version(strconv.FormatInt(row.VersionID, 10)),
		TenantID:     tenantID,
		Content:      content,
		LastUpdated:  row.LastUpdated,
		CreatedAt:    row.CreatedAt,
	}

	if row.DeletedAt.Valid {
		deletedAt := row.DeletedAt.Time
		sr.DeletedAt = &deletedAt
	}

	return sr, nil
}

// Create implements storage.CRUD's create contract: assigns an id if
// absent, sets version "1", fails AlreadyExists on collision. When
// opts.IfNoneExist is set, it first searches for a match: zero matches
// proceeds with the create, exactly one short-circuits to that existing
// resource, and more than one fails with ErrMultipleMatches per FHIR's
// conditional-create semantics.
func (b *Backend) Create(ctx context.Context, tc tenant.Context, r fhirmodel.StoredResource, opts storage.CreateOptions) (fhirmodel.StoredResource, error) {
	if opts.IfNoneExist != nil {
		existing, err := b.Search(ctx, tc, *opts.IfNoneExist)
		if err != nil {
			return fhirmodel.StoredResource{}, fmt.Errorf("postgres: evaluate if-none-exist: %w", err)
		}

		switch len(existing.Resources) {
		case 0:
		case 1:
			return existing.Resources[0], nil
		default:
			return fhirmodel.StoredResource{}, &storage.Conflict{Reason: fmt.Sprintf("if-none-exist matched %d resources", len(existing.Resources))}
		}
	}

	db, err := b.conn.GetDB()
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UTC()

	content := fhircontent.WithField(r.Content, "id", fhircontent.String(id))
	content = fhircontent.WithField(content, "resourceType", fhircontent.String(r.ResourceType))

	contentBytes, err := fhircontent.Marshal(content)
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	insertResource := sqrl.Insert(tableResource).
		Columns("tenant_id", "resource_type", "id", "version_id", "content", "last_updated", "created_at").
		Values(string(tc.TenantID), r.ResourceType, id, 1, contentBytes, now, now).
		PlaceholderFormat(sqrl.Dollar)

	query, args, err := insertResource.ToSql()
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fhirmodel.StoredResource{}, translatePGError(err)
	}

	if err := b.insertHistoryRow(ctx, tx, tc, r.ResourceType, id, 1, contentBytes, now, nil); err != nil {
		return fhirmodel.StoredResource{}, err
	}

	stored := fhirmodel.StoredResource{
		ResourceType: r.ResourceType,
		ID:           id,
		VersionID:    fhirmodel.FirstVersion,
		TenantID:     tc.TenantID,
		Content:      content,
		LastUpdated:  now,
		CreatedAt:    now,
	}

	if err := b.reindex(ctx, tx, tc, stored); err != nil {
		return fhirmodel.StoredResource{}, err
	}

	if err := tx.Commit(); err != nil {
		return fhirmodel.StoredResource{}, err
	}

	return stored, nil
}

// Read implements storage.CRUD's read contract.
func (b *Backend) Read(ctx context.Context, tc tenant.Context, resourceType, id string) (fhirmodel.StoredResource, error) {
	db, err := b.conn.GetDB()
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	query, args, err := sqrl.Select("resource_type", "id", "version_id", "content", "last_updated", "created_at", "deleted_at").
		From(tableResource).
		Where(sqrl.Eq{"tenant_id": string(tc.TenantID), "resource_type": resourceType, "id": id}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	var row resourceRow

	if err := db.QueryRowContext(ctx, query, args...).Scan(
		&row.ResourceType, &row.ID, &row.VersionID, &row.Content, &row.LastUpdated, &row.CreatedAt, &row.DeletedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fhirmodel.StoredResource{}, ferrors.ErrNotFound
		}

		return fhirmodel.StoredResource{}, err
	}

	sr, err := row.toStoredResource(tc.TenantID)
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	if sr.Deleted() {
		return fhirmodel.StoredResource{}, ferrors.ErrGone
	}

	return sr, nil
}

// Update implements storage.CRUD's create-or-update contract: upserts r,
// requiring opts.IfMatchVersion to match the currently stored version when
// set.
func (b *Backend) Update(ctx context.Context, tc tenant.Context, r fhirmodel.StoredResource, opts storage.UpdateOptions) (fhirmodel.StoredResource, error) {
	db, err := b.conn.GetDB()
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	current, existed, err := b.readForUpdate(ctx, tx, tc, r.ResourceType, r.ID)
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	if opts.IfNoneMatch && existed {
		return fhirmodel.StoredResource{}, ferrors.ErrAlreadyExists
	}

	if opts.IfMatchVersion != nil {
		if !existed {
			return fhirmodel.StoredResource{}, ferrors.ErrNotFound
		}

		if current.VersionID != *opts.IfMatchVersion {
			return fhirmodel.StoredResource{}, ferrors.VersionConflictError{Expected: string(*opts.IfMatchVersion), Actual: string(current.VersionID)}
		}
	}

	nextVersion := int64(1)
	if existed {
		currentInt, err := current.VersionID.Int()
		if err != nil {
			return fhirmodel.StoredResource{}, err
		}

		nextVersion = currentInt + 1
	}

	now := time.Now().UTC()

	content := fhircontent.WithField(r.Content, "id", fhircontent.String(r.ID))
	content = fhircontent.WithField(content, "resourceType", fhircontent.String(r.ResourceType))

	contentBytes, err := fhircontent.Marshal(content)
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	createdAt := now
	if existed {
		createdAt = current.CreatedAt
	}

	upsert := fmt.Sprintf(`
		INSERT INTO %s (tenant_id, resource_type, id, version_id, content, last_updated, created_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)
		ON CONFLICT (tenant_id, resource_type, id)
		DO UPDATE SET version_id = $4, content = $5, last_updated = $6, deleted_at = NULL`, tableResource)

	if _, err := tx.ExecContext(ctx, upsert, string(tc.TenantID), r.ResourceType, r.ID, nextVersion, contentBytes, now, createdAt); err != nil {
		return fhirmodel.StoredResource{}, translatePGError(err)
	}

	if err := b.insertHistoryRow(ctx, tx, tc, r.ResourceType, r.ID, nextVersion, contentBytes, now, nil); err != nil {
		return fhirmodel.StoredResource{}, err
	}

	stored := fhirmodel.StoredResource{
		ResourceType: r.ResourceType,
		ID:           r.ID,
		VersionID:    fhirmodel.Version(strconv.FormatInt(nextVersion, 10)),
		TenantID:     tc.TenantID,
		Content:      content,
		LastUpdated:  now,
		CreatedAt:    createdAt,
	}

	if err := b.reindex(ctx, tx, tc, stored); err != nil {
		return fhirmodel.StoredResource{}, err
	}

	if err := tx.Commit(); err != nil {
		return fhirmodel.StoredResource{}, err
	}

	return stored, nil
}

// Delete implements storage.CRUD's soft-delete contract: bumps version,
// sets deleted_at, appends a tombstone history entry, and drops the
// resource's search index rows.
func (b *Backend) Delete(ctx context.Context, tc tenant.Context, resourceType, id string) error {
	db, err := b.conn.GetDB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	current, existed, err := b.readForUpdate(ctx, tx, tc, resourceType, id)
	if err != nil {
		return err
	}

	if !existed {
		return ferrors.ErrNotFound
	}

	currentInt, err := current.VersionID.Int()
	if err != nil {
		return err
	}

	nextVersion := currentInt + 1
	now := time.Now().UTC()

	contentBytes, err := fhircontent.Marshal(current.Content)
	if err != nil {
		return err
	}

	update := fmt.Sprintf(`UPDATE %s SET version_id = $1, last_updated = $2, deleted_at = $2
		WHERE tenant_id = $3 AND resource_type = $4 AND id = $5`, tableResource)

	if _, err := tx.ExecContext(ctx, update, nextVersion, now, string(tc.TenantID), resourceType, id); err != nil {
		return translatePGError(err)
	}

	if err := b.insertHistoryRow(ctx, tx, tc, resourceType, id, nextVersion, contentBytes, now, &now); err != nil {
		return err
	}

	if err := b.deleteIndexRows(ctx, tx, tc, resourceType, id); err != nil {
		return err
	}

	return tx.Commit()
}

// readForUpdate reads the current row for (resourceType, id) within tx,
// regardless of deleted_at, so Update/Delete can see a tombstoned row and
// resurrect/advance it correctly.
func (b *Backend) readForUpdate(ctx context.Context, tx *sql.Tx, tc tenant.Context, resourceType, id string) (fhirmodel.StoredResource, bool, error) {
	query, args, err := sqrl.Select("resource_type", "id", "version_id", "content", "last_updated", "created_at", "deleted_at").
		From(tableResource).
		Where(sqrl.Eq{"tenant_id": string(tc.TenantID), "resource_type": resourceType, "id": id}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return fhirmodel.StoredResource{}, false, err
	}

	var row resourceRow

	if err := tx.QueryRowContext(ctx, query, args...).Scan(
		&row.ResourceType, &row.ID, &row.VersionID, &row.Content, &row.LastUpdated, &row.CreatedAt, &row.DeletedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fhirmodel.StoredResource{}, false, nil
		}

		return fhirmodel.StoredResource{}, false, err
	}

	sr, err := row.toStoredResource(tc.TenantID)
	if err != nil {
		return fhirmodel.StoredResource{}, false, err
	}

	return sr, true, nil
}

func (b *Backend) insertHistoryRow(ctx context.Context, tx *sql.Tx, tc tenant.Context, resourceType, id string, version int64, content []byte, lastUpdated time.Time, deletedAt *time.Time) error {
	insert := sqrl.Insert(tableHistory).
		Columns("tenant_id", "resource_type", "id", "version_id", "content", "last_updated", "deleted_at").
		Values(string(tc.TenantID), resourceType, id, version, content, lastUpdated, deletedAt).
		PlaceholderFormat(sqrl.Dollar)

	query, args, err := insert.ToSql()
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, query, args...)

	return translatePGError(err)
}

// ReadVersion implements storage.Versioned.
func (b *Backend) ReadVersion(ctx context.Context, tc tenant.Context, resourceType, id string, version fhirmodel.Version) (fhirmodel.StoredResource, error) {
	db, err := b.conn.GetDB()
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	versionInt, err := version.Int()
	if err != nil {
		return fhirmodel.StoredResource{}, fmt.Errorf("postgres: %w: %v", ferrors.ErrVersionNotFound, err)
	}

	query, args, err := sqrl.Select("resource_type", "id", "version_id", "content", "last_updated", "deleted_at").
		From(tableHistory).
		Where(sqrl.Eq{"tenant_id": string(tc.TenantID), "resource_type": resourceType, "id": id, "version_id": versionInt}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	var (
		rt, rid     string
		ver         int64
		contentRaw  []byte
		lastUpdated time.Time
		deletedAt   sql.NullTime
	)

	if err := db.QueryRowContext(ctx, query, args...).Scan(&rt, &rid, &ver, &contentRaw, &lastUpdated, &deletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fhirmodel.StoredResource{}, ferrors.ErrVersionNotFound
		}

		return fhirmodel.StoredResource{}, err
	}

	content, err := fhircontent.Parse(contentRaw)
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	sr := fhirmodel.StoredResource{
		ResourceType: rt,
		ID:           rid,
		VersionID:    fhirmodel.Version(strconv.FormatInt(ver, 10)),
		TenantID:     tc.TenantID,
		Content:      content,
		LastUpdated:  lastUpdated,
	}

	if deletedAt.Valid {
		d := deletedAt.Time
		sr.DeletedAt = &d
	}

	return sr, nil
}

// History implements storage.Versioned, listing every version newest
// first, optionally bounded by opts.Since/opts.Count.
func (b *Backend) History(ctx context.Context, tc tenant.Context, resourceType, id string, opts storage.HistoryOptions) ([]fhirmodel.StoredResource, error) {
	db, err := b.conn.GetDB()
	if err != nil {
		return nil, err
	}

	builder := sqrl.Select("resource_type", "id", "version_id", "content", "last_updated", "deleted_at").
		From(tableHistory).
		Where(sqrl.Eq{"tenant_id": string(tc.TenantID), "resource_type": resourceType, "id": id}).
		OrderBy("version_id DESC").
		PlaceholderFormat(sqrl.Dollar)

	if opts.Since != nil {
		sinceInt, err := opts.Since.Int()
		if err != nil {
			return nil, err
		}

		builder = builder.Where(sqrl.Gt{"version_id": sinceInt})
	}

	if opts.Count > 0 {
		builder = builder.Limit(uint64(opts.Count))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fhirmodel.StoredResource

	for rows.Next() {
		var (
			rt, rid     string
			ver         int64
			contentRaw  []byte
			lastUpdated time.Time
			deletedAt   sql.NullTime
		)

		if err := rows.Scan(&rt, &rid, &ver, &contentRaw, &lastUpdated, &deletedAt); err != nil {
			return nil, err
		}

		content, err := fhircontent.Parse(contentRaw)
		if err != nil {
			return nil, err
		}

		sr := fhirmodel.StoredResource{
			ResourceType: rt,
			ID:           rid,
			VersionID:    fhirmodel.Version(strconv.FormatInt(ver, 10)),
			TenantID:     tc.TenantID,
			Content:      content,
			LastUpdated:  lastUpdated,
		}

		if deletedAt.Valid {
			d := deletedAt.Time
			sr.DeletedAt = &d
		}

		out = append(out, sr)
	}

	return out, rows.Err()
}

// WithTransaction implements storage.Transactional. Postgres natively
// supports transactions, but this module's Backend methods each manage
// their own *sql.Tx internally rather than exposing a long-lived
// transaction object, so WithTransaction here just runs fn against the
// same Backend; nested calls still commit per statement. A dedicated
// transactional resource type would be needed to span multiple calls in
// one database transaction. The bundle executor instead gets atomicity
// from its compensation stack, which this satisfies.
func (b *Backend) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx storage.Backend) error) error {
	if err := fn(ctx, b); err != nil {
		mlog.FromContext(ctx).Warnf("postgres: transaction callback failed: %v", err)

		return err
	}

	return nil
}
