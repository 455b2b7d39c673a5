package mongo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/heliosfhir/fhirstore/internal/fhircontent"
	"github.com/heliosfhir/fhirstore/internal/ferrors"
	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
	"github.com/heliosfhir/fhirstore/internal/mlog"
	"github.com/heliosfhir/fhirstore/internal/searchparam"
	"github.com/heliosfhir/fhirstore/internal/storage"
	"github.com/heliosfhir/fhirstore/internal/tenant"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Backend is a document-oriented secondary storage.Backend: each resource
// type maps to its own collection, named the way metadata.mongodb.go names
// collections (lowercased), plus a "<type>_history" sibling collection so
// this backend can still serve CapHistory.
type Backend struct {
	name      string
	conn      *Connection
	extractor *searchparam.Extractor
}

// New builds a Backend named name over conn, indexing resources on write
// via extractor so Search can filter by extracted values too.
func New(name string, conn *Connection, extractor *searchparam.Extractor) *Backend {
	return &Backend{name: name, conn: conn, extractor: extractor}
}

func (b *Backend) Name() string { return b.name }

// Capabilities declares this backend as a search-role secondary: full CRUD
// and search, but no transactions (mongo standalone deployments may lack
// multi-document transaction support) and no conditional writes (those
// belong to the primary).
func (b *Backend) Capabilities() storage.CapabilitySet {
	return storage.NewCapabilitySet(
		storage.CapCRUD,
		storage.CapVersioned,
		storage.CapSearch,
		storage.CapTextSearch,
		storage.CapHistory,
	)
}

func (b *Backend) Ping(ctx context.Context) error {
	client, err := b.conn.GetClient(ctx)
	if err != nil {
		return err
	}

	return client.Ping(ctx, nil)
}

func collectionName(resourceType string) string {
	return strings.ToLower(resourceType)
}

func historyCollectionName(resourceType string) string {
	return strings.ToLower(resourceType) + "_history"
}

func documentID(tenantID tenant.ID, id string) string {
	return string(tenantID) + ":" + id
}

type mongoDoc struct {
	ID           string       `bson:"_id"`
	TenantID     string       `bson:"tenant_id"`
	ResourceType string       `bson:"resource_type"`
	ResourceID   string       `bson:"resource_id"`
	VersionID    string       `bson:"version_id"`
	Content      string       `bson:"content"`
	LastUpdated  time.Time    `bson:"last_updated"`
	CreatedAt    time.Time    `bson:"created_at"`
	DeletedAt    *time.Time   `bson:"deleted_at,omitempty"`
	Idx          []indexEntry `bson:"idx,omitempty"`
}

func (d mongoDoc) toStoredResource() (fhirmodel.StoredResource, error) {
	content, err := fhircontent.Parse([]byte(d.Content))
	if err != nil {
		return fhirmodel.StoredResource{}, fmt.Errorf("mongo: parse content: %w", err)
	}

	return fhirmodel.StoredResource{
		ResourceType: d.ResourceType,
		ID:           d.ResourceID,
		VersionID:    fhirmodel.Version(d.VersionID),
		TenantID:     tenant.ID(d.TenantID),
		Content:      content,
		LastUpdated:  d.LastUpdated,
		CreatedAt:    d.CreatedAt,
		DeletedAt:    d.DeletedAt,
	}, nil
}

func newMongoDoc(tc tenant.Context, r fhirmodel.StoredResource, idx []indexEntry) (mongoDoc, error) {
	contentBytes, err := fhircontent.Marshal(r.Content)
	if err != nil {
		return mongoDoc{}, err
	}

	return mongoDoc{
		ID:           documentID(tc.TenantID, r.ID),
		TenantID:     string(tc.TenantID),
		ResourceType: r.ResourceType,
		ResourceID:   r.ID,
		VersionID:    string(r.VersionID),
		Content:      string(contentBytes),
		LastUpdated:  r.LastUpdated,
		CreatedAt:    r.CreatedAt,
		DeletedAt:    r.DeletedAt,
		Idx:          idx,
	}, nil
}

// Create implements storage.CRUD.
func (b *Backend) Create(ctx context.Context, tc tenant.Context, r fhirmodel.StoredResource, opts storage.CreateOptions) (fhirmodel.StoredResource, error) {
	coll, err := b.conn.collection(ctx, collectionName(r.ResourceType))
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	now := time.Now().UTC()
	r.VersionID = fhirmodel.FirstVersion
	r.CreatedAt = now
	r.LastUpdated = now
	r.TenantID = tc.TenantID

	doc, err := newMongoDoc(tc, r, b.buildIndex(ctx, r))
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	if _, err := coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fhirmodel.StoredResource{}, ferrors.ErrAlreadyExists
		}

		return fhirmodel.StoredResource{}, err
	}

	if err := b.appendHistory(ctx, tc, r); err != nil {
		return fhirmodel.StoredResource{}, err
	}

	return r, nil
}

// Read implements storage.CRUD.
func (b *Backend) Read(ctx context.Context, tc tenant.Context, resourceType, id string) (fhirmodel.StoredResource, error) {
	coll, err := b.conn.collection(ctx, collectionName(resourceType))
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	var doc mongoDoc

	if err := coll.FindOne(ctx, bson.M{"_id": documentID(tc.TenantID, id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fhirmodel.StoredResource{}, ferrors.ErrNotFound
		}

		return fhirmodel.StoredResource{}, err
	}

	sr, err := doc.toStoredResource()
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	if sr.Deleted() {
		return fhirmodel.StoredResource{}, ferrors.ErrGone
	}

	return sr, nil
}

// Update implements storage.CRUD's create-or-update/upsert contract.
func (b *Backend) Update(ctx context.Context, tc tenant.Context, r fhirmodel.StoredResource, opts storage.UpdateOptions) (fhirmodel.StoredResource, error) {
	coll, err := b.conn.collection(ctx, collectionName(r.ResourceType))
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	var existing mongoDoc

	err = coll.FindOne(ctx, bson.M{"_id": documentID(tc.TenantID, r.ID)}).Decode(&existing)
	existed := err == nil

	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return fhirmodel.StoredResource{}, err
	}

	if opts.IfNoneMatch && existed {
		return fhirmodel.StoredResource{}, ferrors.ErrAlreadyExists
	}

	nextVersion := int64(1)
	createdAt := time.Now().UTC()

	if existed {
		current, convErr := strconv.ParseInt(existing.VersionID, 10, 64)
		if convErr != nil {
			return fhirmodel.StoredResource{}, convErr
		}

		if opts.IfMatchVersion != nil && existing.VersionID != string(*opts.IfMatchVersion) {
			return fhirmodel.StoredResource{}, ferrors.VersionConflictError{Expected: string(*opts.IfMatchVersion), Actual: existing.VersionID}
		}

		nextVersion = current + 1
		createdAt = existing.CreatedAt
	} else if opts.IfMatchVersion != nil {
		return fhirmodel.StoredResource{}, ferrors.ErrNotFound
	}

	now := time.Now().UTC()

	r.VersionID = fhirmodel.Version(strconv.FormatInt(nextVersion, 10))
	r.TenantID = tc.TenantID
	r.LastUpdated = now
	r.CreatedAt = createdAt
	r.DeletedAt = nil

	doc, err := newMongoDoc(tc, r, b.buildIndex(ctx, r))
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	upsert := true
	if _, err := coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, &options.ReplaceOptions{Upsert: &upsert}); err != nil {
		return fhirmodel.StoredResource{}, err
	}

	if err := b.appendHistory(ctx, tc, r); err != nil {
		return fhirmodel.StoredResource{}, err
	}

	return r, nil
}

// Delete implements storage.CRUD's soft-delete contract.
func (b *Backend) Delete(ctx context.Context, tc tenant.Context, resourceType, id string) error {
	coll, err := b.conn.collection(ctx, collectionName(resourceType))
	if err != nil {
		return err
	}

	var existing mongoDoc

	if err := coll.FindOne(ctx, bson.M{"_id": documentID(tc.TenantID, id)}).Decode(&existing); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ferrors.ErrNotFound
		}

		return err
	}

	current, err := strconv.ParseInt(existing.VersionID, 10, 64)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	update := bson.M{"$set": bson.M{"version_id": strconv.FormatInt(current+1, 10), "last_updated": now, "deleted_at": now}}

	if _, err := coll.UpdateOne(ctx, bson.M{"_id": existing.ID}, update); err != nil {
		return err
	}

	sr, err := existing.toStoredResource()
	if err != nil {
		return err
	}

	sr.VersionID = fhirmodel.Version(strconv.FormatInt(current+1, 10))
	sr.LastUpdated = now
	sr.DeletedAt = &now

	return b.appendHistory(ctx, tc, sr)
}

func (b *Backend) appendHistory(ctx context.Context, tc tenant.Context, r fhirmodel.StoredResource) error {
	coll, err := b.conn.collection(ctx, historyCollectionName(r.ResourceType))
	if err != nil {
		return err
	}

	doc, err := newMongoDoc(tc, r, nil)
	if err != nil {
		return err
	}

	doc.ID = doc.ID + ":" + string(r.VersionID)

	if _, err := coll.InsertOne(ctx, doc); err != nil {
		mlog.FromContext(ctx).Warnf("mongo: history append failed for %s/%s: %v", r.ResourceType, r.ID, err)
	}

	return nil
}

// ReadVersion implements storage.Versioned.
func (b *Backend) ReadVersion(ctx context.Context, tc tenant.Context, resourceType, id string, version fhirmodel.Version) (fhirmodel.StoredResource, error) {
	coll, err := b.conn.collection(ctx, historyCollectionName(resourceType))
	if err != nil {
		return fhirmodel.StoredResource{}, err
	}

	var doc mongoDoc

	historyID := documentID(tc.TenantID, id) + ":" + string(version)

	if err := coll.FindOne(ctx, bson.M{"_id": historyID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fhirmodel.StoredResource{}, ferrors.ErrVersionNotFound
		}

		return fhirmodel.StoredResource{}, err
	}

	return doc.toStoredResource()
}

// History implements storage.Versioned, newest first.
func (b *Backend) History(ctx context.Context, tc tenant.Context, resourceType, id string, opts storage.HistoryOptions) ([]fhirmodel.StoredResource, error) {
	coll, err := b.conn.collection(ctx, historyCollectionName(resourceType))
	if err != nil {
		return nil, err
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "last_updated", Value: -1}})

	if opts.Count > 0 {
		limit := int64(opts.Count)
		findOpts.SetLimit(limit)
	}

	filter := bson.M{"resource_id": id, "tenant_id": string(tc.TenantID)}

	if opts.Since != nil {
		sinceInt, convErr := opts.Since.Int()
		if convErr != nil {
			return nil, convErr
		}

		filter["version_id"] = bson.M{"$gt": strconv.FormatInt(sinceInt, 10)}
	}

	cur, err := coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []fhirmodel.StoredResource

	for cur.Next(ctx) {
		var doc mongoDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}

		sr, err := doc.toStoredResource()
		if err != nil {
			return nil, err
		}

		out = append(out, sr)
	}

	return out, cur.Err()
}

// WithTransaction implements storage.Transactional. This backend doesn't
// advertise CapTransaction, so the composite layer never relies on it for
// cross-call atomicity; it simply runs fn against the same Backend.
func (b *Backend) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx storage.Backend) error) error {
	return fn(ctx, b)
}
