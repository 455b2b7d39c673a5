// Package sync propagates writes from the primary backend to registered
// secondaries.
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/heliosfhir/fhirstore/internal/fhircontent"
	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
	"github.com/heliosfhir/fhirstore/internal/mlog"
	"github.com/heliosfhir/fhirstore/internal/storage"
	"github.com/heliosfhir/fhirstore/internal/tenant"
	"golang.org/x/sync/errgroup"
)

// EventKind distinguishes the SyncEvent variants.
type EventKind string

const (
	EventCreate   EventKind = "create"
	EventUpdate   EventKind = "update"
	EventDelete   EventKind = "delete"
	EventBulkSync EventKind = "bulk_sync"
)

// Event is one change to propagate from the primary to secondaries.
type Event struct {
	Kind         EventKind
	TenantID     tenant.ID
	ResourceType string
	ResourceID   string
	Content      fhircontent.Node
	Version      fhirmodel.Version
	// Bulk carries the payload for EventBulkSync: one upsert per entry.
	Bulk []fhirmodel.StoredResource
}

// Key returns the (resourceType, id) ordering key used for per-key FIFO
// delivery.
func (e Event) Key() fhirmodel.Key {
	return fhirmodel.Key{ResourceType: e.ResourceType, ID: e.ResourceID}
}

// Mode selects how writes propagate to secondaries.
type Mode int

const (
	// ModeSynchronous fans out in parallel to all secondaries and waits
	// for all to complete before the primary write returns.
	ModeSynchronous Mode = iota
	// ModeAsynchronous enqueues into a bounded per-backend channel drained
	// by a background worker.
	ModeAsynchronous
	// ModeHybrid is synchronous for the Create/Update/Delete trio when
	// SyncForSearch is set, asynchronous otherwise.
	ModeHybrid
)

// Config configures a Manager.
type Config struct {
	Mode          Mode
	SyncForSearch bool
	BatchSize     int
	BatchTimeout  time.Duration
	QueueCapacity int
	Retry         RetryConfig
}

// RetryConfig is the exponential backoff policy applied per secondary
// write attempt.
type RetryConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   uint64
}

func (c RetryConfig) backoffPolicy() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     nonZeroDuration(c.InitialDelay, 100*time.Millisecond),
		MaxInterval:         nonZeroDuration(c.MaxDelay, 30*time.Second),
		Multiplier:          nonZeroFloat(c.Multiplier, 2.0),
		RandomizationFactor: 0.1,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	max := c.MaxRetries
	if max == 0 {
		max = 5
	}

	return backoff.WithMaxRetries(b, max)
}

func nonZeroDuration(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}

	return v
}

func nonZeroFloat(v, fallback float64) float64 {
	if v <= 0 {
		return fallback
	}

	return v
}

// Status is the per-backend sync health snapshot.
type Status struct {
	LastSuccess   time.Time
	PendingEvents int64
	TotalSynced   int64
	TotalErrors   int64
	Healthy       bool
}

// backendState holds one secondary's queue and status. Events for the
// same key are only ever pushed onto this single channel and drained by
// one worker goroutine, so submission order equals delivery order per
// key without any extra bookkeeping.
type backendState struct {
	mu     sync.Mutex
	status Status
	queue  chan Event
}

// Manager propagates Events from the primary to a set of named secondary
// backends.
type Manager struct {
	cfg        Config
	secondaries map[string]storage.Backend
	states      map[string]*backendState
	wg          sync.WaitGroup
	stop        chan struct{}
}

// NewManager builds a Manager over secondaries and starts one background
// worker per backend in every Mode; under ModeSynchronous the workers stay
// idle, since Sync never enqueues.
func NewManager(cfg Config, secondaries map[string]storage.Backend) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}

	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 2 * time.Second
	}

	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = cfg.BatchSize * 16
	}

	m := &Manager{
		cfg:         cfg,
		secondaries: secondaries,
		states:      make(map[string]*backendState),
		stop:        make(chan struct{}),
	}

	for id := range secondaries {
		state := &backendState{
			queue: make(chan Event, cfg.QueueCapacity),
		}
		m.states[id] = state

		m.wg.Add(1)

		go m.worker(id, state)
	}

	return m
}

// Close stops every background worker and waits for them to drain.
func (m *Manager) Close() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Manager) isSyncEvent(kind EventKind) bool {
	if m.cfg.Mode == ModeSynchronous {
		return true
	}

	if m.cfg.Mode == ModeHybrid && m.cfg.SyncForSearch {
		return kind == EventCreate || kind == EventUpdate || kind == EventDelete
	}

	return false
}

// Sync propagates event to every secondary according to the manager's
// Mode. In Synchronous (or Hybrid-synchronous) mode it blocks until every
// secondary has applied the event or failed after retries.
func (m *Manager) Sync(ctx context.Context, tc tenant.Context, event Event) error {
	if m.isSyncEvent(event.Kind) {
		return m.syncNow(ctx, tc, event)
	}

	for id, state := range m.states {
		select {
		case state.queue <- event:
			state.mu.Lock()
			state.status.PendingEvents++
			state.mu.Unlock()
		default:
			mlog.FromContext(ctx).Warnf("sync: queue full for backend %q, dropping event", id)
		}
	}

	return nil
}

func (m *Manager) syncNow(ctx context.Context, tc tenant.Context, event Event) error {
	g, gctx := errgroup.WithContext(ctx)

	for id, backend := range m.secondaries {
		id, backend := id, backend

		g.Go(func() error {
			return m.applyWithRetry(gctx, tc, id, backend, event)
		})
	}

	return g.Wait()
}

func (m *Manager) worker(id string, state *backendState) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.BatchTimeout)
	defer ticker.Stop()

	var batch []Event

	flush := func() {
		if len(batch) == 0 {
			return
		}

		ctx := context.Background()
		backend := m.secondaries[id]

		for _, ev := range batch {
			tc := tenant.Context{TenantID: ev.TenantID, Permissions: []tenant.Permission{tenant.AllResourceTypes(tenant.OpCreate), tenant.AllResourceTypes(tenant.OpUpdate), tenant.AllResourceTypes(tenant.OpDelete)}}

			err := m.applyWithRetry(ctx, tc, id, backend, ev)

			state.mu.Lock()
			state.status.PendingEvents--
			if err != nil {
				state.status.TotalErrors++
			} else {
				state.status.TotalSynced++
				state.status.LastSuccess = time.Now()
			}
			state.status.Healthy = state.status.PendingEvents <= int64(m.cfg.BatchSize)*10
			state.mu.Unlock()
		}

		batch = batch[:0]
	}

	for {
		select {
		case <-m.stop:
			flush()
			return
		case ev := <-state.queue:
			batch = append(batch, ev)
			if len(batch) >= m.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// applyWithRetry maps event to a CRUD call on backend, retrying with
// exponential backoff up to cfg.Retry.MaxRetries.
func (m *Manager) applyWithRetry(ctx context.Context, tc tenant.Context, id string, backend storage.Backend, event Event) error {
	operation := func() error {
		return applyEvent(ctx, tc, backend, event)
	}

	return backoff.Retry(operation, backoff.WithContext(m.cfg.Retry.backoffPolicy(), ctx))
}

// applyEvent maps a single SyncEvent to a CRUD call; update becomes
// upsert, since secondaries do not track version.
func applyEvent(ctx context.Context, tc tenant.Context, backend storage.Backend, event Event) error {
	switch event.Kind {
	case EventCreate, EventUpdate:
		_, err := backend.Update(ctx, tc, fhirmodel.StoredResource{
			ResourceType: event.ResourceType,
			ID:           event.ResourceID,
			TenantID:     event.TenantID,
			Content:      event.Content,
			VersionID:    event.Version,
		}, storage.UpdateOptions{})

		return err
	case EventDelete:
		return backend.Delete(ctx, tc, event.ResourceType, event.ResourceID)
	case EventBulkSync:
		for _, r := range event.Bulk {
			if _, err := backend.Update(ctx, tc, r, storage.UpdateOptions{}); err != nil {
				return err
			}
		}

		return nil
	default:
		return nil
	}
}

// StatusFor returns the current Status for backend id.
func (m *Manager) StatusFor(id string) (Status, bool) {
	state, ok := m.states[id]
	if !ok {
		return Status{}, false
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	return state.status, true
}

// AllStatus returns every backend's current Status, keyed by id.
func (m *Manager) AllStatus() map[string]Status {
	out := make(map[string]Status, len(m.states))

	for id, state := range m.states {
		state.mu.Lock()
		out[id] = state.status
		state.mu.Unlock()
	}

	return out
}

// WaitForSync polls until every backend's pending queue drains to zero or
// timeout elapses.
func (m *Manager) WaitForSync(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.allDrained() {
			return true
		}

		if time.Now().After(deadline) {
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (m *Manager) allDrained() bool {
	for _, state := range m.states {
		state.mu.Lock()
		pending := state.status.PendingEvents
		state.mu.Unlock()

		if pending != 0 {
			return false
		}
	}

	return true
}
