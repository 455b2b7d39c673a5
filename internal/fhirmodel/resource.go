// Package fhirmodel holds the resource, version and index-value types
// shared by the storage contract, the search parameter engine and the
// composite layer.
package fhirmodel

import (
	"strconv"
	"time"

	"github.com/heliosfhir/fhirstore/internal/fhircontent"
	"github.com/heliosfhir/fhirstore/internal/tenant"
)

// Version is a strictly-increasing, per-(tenant,resourceType,id) integer
// rendered as a string.
type Version string

// FirstVersion is the version assigned on create.
const FirstVersion Version = "1"

// Next returns the version following v.
func (v Version) Next() (Version, error) {
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return "", err
	}

	return Version(strconv.FormatInt(n+1, 10)), nil
}

// Int parses the version as an integer, used for ordering in history
// listings and cursor comparisons.
func (v Version) Int() (int64, error) {
	return strconv.ParseInt(string(v), 10, 64)
}

// StoredResource is a single version of a resource as persisted by a
// backend.
type StoredResource struct {
	ResourceType string
	ID           string
	VersionID    Version
	TenantID     tenant.ID
	Content      fhircontent.Node
	LastUpdated  time.Time
	CreatedAt    time.Time
	DeletedAt    *time.Time
	FHIRVersion  string
}

// Deleted reports whether this version is a tombstone: deleted_at is
// present iff the resource is tombstoned.
func (r StoredResource) Deleted() bool {
	return r.DeletedAt != nil
}

// Key identifies a resource independent of version/tenant, used as the
// dedup key throughout the composite layer.
type Key struct {
	ResourceType string
	ID           string
}

func (k Key) String() string {
	return k.ResourceType + "/" + k.ID
}

// KeyOf returns r's dedup Key.
func KeyOf(r StoredResource) Key {
	return Key{ResourceType: r.ResourceType, ID: r.ID}
}

// WithConsistentIdentity returns a copy of r whose content.resourceType and
// content.id fields match r.ResourceType/r.ID after any mutation.
func WithConsistentIdentity(r StoredResource) StoredResource {
	content := fhircontent.WithField(r.Content, "resourceType", fhircontent.String(r.ResourceType))
	content = fhircontent.WithField(content, "id", fhircontent.String(r.ID))
	r.Content = content

	return r
}
