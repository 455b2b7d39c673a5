package cache

import (
	"testing"
	"time"

	"github.com/heliosfhir/fhirstore/internal/fhircontent"
	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
	"github.com/heliosfhir/fhirstore/internal/storage"
	"github.com/heliosfhir/fhirstore/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceKey_ScopesByTenantAndType(t *testing.T) {
	got := resourceKey(tenant.ID("acme"), "Patient", "123")
	assert.Equal(t, "fhir:acme:Patient:123", got)
}

func TestVersionKey_IncludesVersion(t *testing.T) {
	got := versionKey(tenant.ID("acme"), "Patient", "123", "2")
	assert.Equal(t, "fhir:acme:Patient:123:v:2", got)
}

func TestCacheEntry_RoundTripsStoredResource(t *testing.T) {
	content, err := fhircontent.Parse([]byte(`{"resourceType":"Patient","id":"123"}`))
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)

	sr := fhirmodel.StoredResource{
		ResourceType: "Patient",
		ID:           "123",
		VersionID:    fhirmodel.FirstVersion,
		TenantID:     tenant.ID("acme"),
		Content:      content,
		LastUpdated:  now,
		CreatedAt:    now,
	}

	entry, err := newCacheEntry(sr)
	require.NoError(t, err)

	got, err := entry.toStoredResource(tenant.ID("acme"))
	require.NoError(t, err)

	assert.Equal(t, sr.ResourceType, got.ResourceType)
	assert.Equal(t, sr.ID, got.ID)
	assert.Equal(t, sr.VersionID, got.VersionID)
	assert.Equal(t, sr.TenantID, got.TenantID)
	assert.False(t, got.Deleted())
}

func TestCacheEntry_CarriesDeletedAt(t *testing.T) {
	content, err := fhircontent.Parse([]byte(`{"resourceType":"Patient","id":"123"}`))
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)

	sr := fhirmodel.StoredResource{
		ResourceType: "Patient",
		ID:           "123",
		VersionID:    "2",
		TenantID:     tenant.ID("acme"),
		Content:      content,
		LastUpdated:  now,
		CreatedAt:    now,
		DeletedAt:    &now,
	}

	entry, err := newCacheEntry(sr)
	require.NoError(t, err)

	got, err := entry.toStoredResource(tenant.ID("acme"))
	require.NoError(t, err)

	assert.True(t, got.Deleted())
}

func TestNew_DefaultsTTL(t *testing.T) {
	b := New("cache", &Connection{URI: "redis://localhost:6379"}, 0)
	assert.Equal(t, defaultTTL, b.ttl)
}

func TestCapabilities_NoSearchOrTransaction(t *testing.T) {
	b := New("cache", &Connection{URI: "redis://localhost:6379"}, time.Minute)
	caps := b.Capabilities()

	assert.True(t, caps.Has(storage.CapCRUD))
	assert.True(t, caps.Has(storage.CapVersioned))
	assert.False(t, caps.Has(storage.CapSearch))
	assert.False(t, caps.Has(storage.CapTransaction))
}
