package health

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
	"github.com/heliosfhir/fhirstore/internal/searchquery"
	"github.com/heliosfhir/fhirstore/internal/storage"
	"github.com/heliosfhir/fhirstore/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyBackend struct {
	fail atomic.Bool
}

func (b *flakyBackend) Create(ctx context.Context, tc tenant.Context, r fhirmodel.StoredResource, opts storage.CreateOptions) (fhirmodel.StoredResource, error) {
	return r, nil
}
func (b *flakyBackend) Read(ctx context.Context, tc tenant.Context, resourceType, id string) (fhirmodel.StoredResource, error) {
	return fhirmodel.StoredResource{}, nil
}
func (b *flakyBackend) Update(ctx context.Context, tc tenant.Context, r fhirmodel.StoredResource, opts storage.UpdateOptions) (fhirmodel.StoredResource, error) {
	return r, nil
}
func (b *flakyBackend) Delete(ctx context.Context, tc tenant.Context, resourceType, id string) error {
	return nil
}
func (b *flakyBackend) ReadVersion(ctx context.Context, tc tenant.Context, resourceType, id string, version fhirmodel.Version) (fhirmodel.StoredResource, error) {
	return fhirmodel.StoredResource{}, nil
}
func (b *flakyBackend) History(ctx context.Context, tc tenant.Context, resourceType, id string, opts storage.HistoryOptions) ([]fhirmodel.StoredResource, error) {
	return nil, nil
}
func (b *flakyBackend) Search(ctx context.Context, tc tenant.Context, q searchquery.Query) (storage.SearchResult, error) {
	return storage.SearchResult{}, nil
}
func (b *flakyBackend) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx storage.Backend) error) error {
	return fn(ctx, b)
}
func (b *flakyBackend) Name() string                       { return "flaky" }
func (b *flakyBackend) Capabilities() storage.CapabilitySet { return storage.NewCapabilitySet(storage.CapCRUD) }
func (b *flakyBackend) Ping(ctx context.Context) error {
	if b.fail.Load() {
		return fmt.Errorf("simulated outage")
	}

	return nil
}

func TestMonitor_TransitionsUnhealthyThenHealthy(t *testing.T) {
	t.Parallel()

	backend := &flakyBackend{}
	tc, err := tenant.New("acme")
	require.NoError(t, err)

	m := NewMonitor(Config{FailureThreshold: 2, SuccessThreshold: 2}, map[string]storage.Backend{"b1": backend}, tc)

	m.probeOnce("b1", backend)
	status, _ := m.BackendStatus("b1")
	assert.True(t, status.IsHealthy)

	backend.fail.Store(true)
	m.probeOnce("b1", backend)
	m.probeOnce("b1", backend)

	status, _ = m.BackendStatus("b1")
	assert.False(t, status.IsHealthy)

	backend.fail.Store(false)
	m.probeOnce("b1", backend)
	status, _ = m.BackendStatus("b1")
	assert.False(t, status.IsHealthy, "one success should not yet flip back")

	m.probeOnce("b1", backend)
	status, _ = m.BackendStatus("b1")
	assert.True(t, status.IsHealthy)
}

func TestMonitor_StartStop(t *testing.T) {
	t.Parallel()

	backend := &flakyBackend{}
	tc, err := tenant.New("acme")
	require.NoError(t, err)

	m := NewMonitor(Config{Interval: 5 * time.Millisecond}, map[string]storage.Backend{"b1": backend}, tc)
	m.Start()

	time.Sleep(30 * time.Millisecond)
	m.Stop()

	assert.True(t, m.AllHealthy())
}
