package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/heliosfhir/fhirstore/internal/ferrors"
	"github.com/heliosfhir/fhirstore/internal/fhircontent"
	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
	"github.com/heliosfhir/fhirstore/internal/mlog"
	"github.com/heliosfhir/fhirstore/internal/searchquery"
	"github.com/heliosfhir/fhirstore/internal/storage"
	"github.com/heliosfhir/fhirstore/internal/tenant"
	"github.com/redis/go-redis/v9"
)

// defaultTTL bounds how long a cached resource entry survives
// without being touched again; redis evicts the key itself so this
// backend never needs its own expiry sweep.
const defaultTTL = 10 * time.Minute

// Backend is a redis-backed ancillary storage.Backend: every resource is
// stored as a single JSON string value under a tenant-scoped key, with no
// per-parameter index, so its Search only serves the "_id" parameter
// directly and falls through for everything else. The composite router
// never picks it as primary; it exists to take read pressure off the
// primary for hot single-resource lookups and as a cheap health-probe
// target.
type Backend struct {
	name string
	conn *Connection
	ttl  time.Duration
}

// New builds a Backend named name over conn, caching entries for ttl (or
// defaultTTL if ttl is zero).
func New(name string, conn *Connection, ttl time.Duration) *Backend {
	if ttl <= 0 {
		ttl = defaultTTL
	}

	return &Backend{name: name, conn: conn, ttl: ttl}
}

func (b *Backend) Name() string { return b.name }

// Capabilities declares CapCRUD and CapVersioned only: no search index,
// no history, no transactions, no conditional writes. This backend is a
// cache, not a system of record.
func (b *Backend) Capabilities() storage.CapabilitySet {
	return storage.NewCapabilitySet(storage.CapCRUD, storage.CapVersioned)
}

func (b *Backend) Ping(ctx context.Context) error {
	client, err := b.conn.GetClient(ctx)
	if err != nil {
		return err
	}

	return client.Ping(ctx).Err()
}

type cacheEntry struct {
	ResourceType string    `json:"resource_type"`
	ID           string    `json:"id"`
	VersionID    string    `json:"version_id"`
	Content      string    `json:"content"`
	LastUpdated  time.Time `json:"last_updated"`
	CreatedAt    time.Time `json:"created_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

func resourceKey(tenantID tenant.ID, resourceType, id string) string {
	return fmt.Sprintf("fhir:%s:%s:%s", tenantID, resourceType, id)
}

func versionKey(tenantID tenant.ID, resourceType, id, version string) string {
	return fmt.Sprintf("fhir:%s:%s:%s:v:%s", tenantID, resourceType, id, version)
}

func (e cacheEntry) toStoredResource(tenantID tenant.ID) (fhirmodel.StoredResource, error) {
	content, err := fhircontent.Parse([]byte(e.Content))
	if err != nil {
		return fhirmodel.StoredResource{}, fmt.Errorf("cache: parse content: %w", err)
	}

	sr := fhirmodel.StoredResource{
		ResourceType: e.ResourceType,
		ID:           e.ID,
		VersionID:    fhirmodel.Version(e.VersionID),
		TenantID:     tenantID,
		Content:      content,
		LastUpdated:  e.LastUpdated,
		CreatedAt:    e.CreatedAt,
		DeletedAt:    e.DeletedAt,
	}

	return sr, nil
}

func newCacheEntry(r fhirmodel.StoredResource) (cacheEntry, error) {
	contentBytes, err := fhircontent.Marshal(r.Content)
	if err != nil {
		return cacheEntry{}, err
	}

	return cacheEntry{
		ResourceType: r.ResourceType,
		ID:           r.ID,
		VersionID:    string(r.VersionID),
		Content:      string(contentBytes),
		LastUpdated:  r.LastUpdated,
		CreatedAt:    r.CreatedAt,
		DeletedAt:    r.DeletedAt,
	}, nil
}

// Create writes r unconditionally; opts.IfNoneExist is not honored since
// this backend has no search index to evaluate it against.
func (b *Backend) Create(ctx context.Context, tc tenant.Context, r fhirmodel.StoredResource, opts storage.CreateOptions) (fhirmodel.StoredResource, error) {
	client, err := b.conn.GetClient(ctx)
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	now := time.Now().UTC()

	stored := r
	stored.VersionID = fhirmodel.FirstVersion
	stored.LastUpdated = now
	stored.CreatedAt = now
	stored.DeletedAt = nil
	stored = fhirmodel.WithConsistentIdentity(stored)

	if err := b.put(ctx, client, tc.TenantID, stored); err != nil {
		return fhirmodel.StoredResource{}, err
	}

	return stored, nil
}

// Read fetches the current entry by key, returning ferrors.ErrGone for a
// tombstoned entry and ferrors.ErrNotFound on a cache miss.
func (b *Backend) Read(ctx context.Context, tc tenant.Context, resourceType, id string) (fhirmodel.StoredResource, error) {
	client, err := b.conn.GetClient(ctx)
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	raw, err := client.Get(ctx, resourceKey(tc.TenantID, resourceType, id)).Result()
	if errors.Is(err, redis.Nil) {
		return fhirmodel.StoredResource{}, ferrors.ErrNotFound
	} else if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	var entry cacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return fhirmodel.StoredResource{}, fmt.Errorf("cache: decode entry: %w", err)
	}

	sr, err := entry.toStoredResource(tc.TenantID)
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	if sr.Deleted() {
		return fhirmodel.StoredResource{}, ferrors.ErrGone
	}

	return sr, nil
}

// Update overwrites the cached entry for r, honoring opts.IfMatchVersion
// against whatever is currently cached (a miss is treated as "no prior
// version", matching this backend's best-effort nature: a redis eviction
// must not wedge a caller retrying an optimistic-concurrency update).
func (b *Backend) Update(ctx context.Context, tc tenant.Context, r fhirmodel.StoredResource, opts storage.UpdateOptions) (fhirmodel.StoredResource, error) {
	client, err := b.conn.GetClient(ctx)
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	existing, readErr := b.Read(ctx, tc, r.ResourceType, r.ID)
	existed := readErr == nil

	if opts.IfNoneMatch && existed {
		return fhirmodel.StoredResource{}, ferrors.ErrAlreadyExists
	}

	if opts.IfMatchVersion != nil && existed && existing.VersionID != *opts.IfMatchVersion {
		return fhirmodel.StoredResource{}, ferrors.VersionConflictError{
			Expected: string(*opts.IfMatchVersion),
			Actual:   string(existing.VersionID),
		}
	}

	nextVersion := fhirmodel.FirstVersion
	if existed {
		next, err := existing.VersionID.Next()
		if err != nil {
			return fhirmodel.StoredResource{}, err
		}

		nextVersion = next
	}

	now := time.Now().UTC()

	stored := r
	stored.VersionID = nextVersion
	stored.LastUpdated = now
	stored.DeletedAt = nil

	if existed {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}

	stored = fhirmodel.WithConsistentIdentity(stored)

	if err := b.put(ctx, client, tc.TenantID, stored); err != nil {
		return fhirmodel.StoredResource{}, err
	}

	return stored, nil
}

// Delete tombstones the cached entry by bumping its version and setting
// deleted_at, rather than evicting the key outright, so a subsequent Read
// still reports ferrors.ErrGone instead of a plain cache miss.
func (b *Backend) Delete(ctx context.Context, tc tenant.Context, resourceType, id string) error {
	client, err := b.conn.GetClient(ctx)
	if err != nil {
		return err
	}

	existing, err := b.Read(ctx, tc, resourceType, id)
	if err != nil {
		return err
	}

	nextVersion, err := existing.VersionID.Next()
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	existing.VersionID = nextVersion
	existing.LastUpdated = now
	existing.DeletedAt = &now

	return b.put(ctx, client, tc.TenantID, existing)
}

func (b *Backend) put(ctx context.Context, client *redis.Client, tenantID tenant.ID, r fhirmodel.StoredResource) error {
	entry, err := newCacheEntry(r)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if err := client.Set(ctx, resourceKey(tenantID, r.ResourceType, r.ID), raw, b.ttl).Err(); err != nil {
		return err
	}

	if err := client.Set(ctx, versionKey(tenantID, r.ResourceType, r.ID, string(r.VersionID)), raw, b.ttl).Err(); err != nil {
		mlog.FromContext(ctx).Warnf("cache: write version entry for %s/%s: %v", r.ResourceType, r.ID, err)
	}

	return nil
}

// ReadVersion fetches a specific version, which survives independently of
// the current-pointer entry until its own TTL expires.
func (b *Backend) ReadVersion(ctx context.Context, tc tenant.Context, resourceType, id string, version fhirmodel.Version) (fhirmodel.StoredResource, error) {
	client, err := b.conn.GetClient(ctx)
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	raw, err := client.Get(ctx, versionKey(tc.TenantID, resourceType, id, string(version))).Result()
	if errors.Is(err, redis.Nil) {
		return fhirmodel.StoredResource{}, ferrors.ErrVersionNotFound
	} else if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	var entry cacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return fhirmodel.StoredResource{}, fmt.Errorf("cache: decode entry: %w", err)
	}

	return entry.toStoredResource(tc.TenantID)
}

// History is unsupported: the cache keeps only the current version plus
// whichever past versions its TTL has not yet evicted, which is not a
// complete version sequence a caller could rely on.
func (b *Backend) History(ctx context.Context, tc tenant.Context, resourceType, id string, opts storage.HistoryOptions) ([]fhirmodel.StoredResource, error) {
	return nil, fmt.Errorf("%w: cache backend does not support history", ferrors.ErrSearchNotSupported)
}

// Search serves only the "_id" parameter by reading each id directly;
// any other parameter shape returns ferrors.ErrSearchNotSupported so the
// composite router never routes a general query here.
func (b *Backend) Search(ctx context.Context, tc tenant.Context, q searchquery.Query) (storage.SearchResult, error) {
	if len(q.Params) != 1 || q.Params[0].Name != "_id" {
		return storage.SearchResult{}, fmt.Errorf("%w: cache backend only serves _id lookups", ferrors.ErrSearchNotSupported)
	}

	var resources []fhirmodel.StoredResource

	for _, v := range q.Params[0].Values {
		sr, err := b.Read(ctx, tc, q.ResourceType, v.Raw)
		if err != nil {
			continue
		}

		resources = append(resources, sr)
	}

	return storage.SearchResult{Resources: resources}, nil
}

// WithTransaction implements storage.Transactional. This backend doesn't
// advertise CapTransaction; it just runs fn against the same Backend so
// callers that iterate every configured backend generically don't need a
// type switch.
func (b *Backend) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx storage.Backend) error) error {
	return fn(ctx, b)
}
