// Package health implements the periodic per-backend probe and rolling
// health status tracker.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/heliosfhir/fhirstore/internal/storage"
	"github.com/heliosfhir/fhirstore/internal/tenant"
)

// sentinelResourceType names a low-cost resource type for a count-style
// probe. probeOnce does not read it: every backend is probed through Ping,
// and any Ping error counts as a failure.
const sentinelResourceType = "Basic"

const rollingWindow = 10

// Status is one backend's current health snapshot.
type Status struct {
	IsHealthy          bool
	ConsecutiveFails   int
	ConsecutiveSuccess int
	RollingLatencyMS   float64
	LastProbeAt        time.Time
	LastError          error
}

type backendMonitor struct {
	mu      sync.Mutex
	status  Status
	samples []float64
}

func (m *backendMonitor) record(latency time.Duration, err error, failureThreshold, successThreshold int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status.LastProbeAt = time.Now()

	if err != nil {
		m.status.ConsecutiveFails++
		m.status.ConsecutiveSuccess = 0
		m.status.LastError = err

		if m.status.IsHealthy && m.status.ConsecutiveFails >= failureThreshold {
			m.status.IsHealthy = false
		}

		return
	}

	m.status.ConsecutiveSuccess++
	m.status.ConsecutiveFails = 0
	m.status.LastError = nil

	m.samples = append(m.samples, float64(latency.Milliseconds()))
	if len(m.samples) > rollingWindow {
		m.samples = m.samples[len(m.samples)-rollingWindow:]
	}

	var sum float64
	for _, s := range m.samples {
		sum += s
	}

	m.status.RollingLatencyMS = sum / float64(len(m.samples))

	if !m.status.IsHealthy && m.status.ConsecutiveSuccess >= successThreshold {
		m.status.IsHealthy = true
	}
}

func (m *backendMonitor) snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.status
}

// Config controls probe cadence and the healthy/unhealthy transition
// thresholds.
type Config struct {
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
	SuccessThreshold int
}

// Monitor periodically probes a set of backends and tracks their health.
type Monitor struct {
	cfg      Config
	backends map[string]storage.Backend
	states   map[string]*backendMonitor
	tc       tenant.Context
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor builds a Monitor over backends. Every backend starts
// healthy; the first failure_threshold consecutive failures are needed
// to flip it unhealthy.
func NewMonitor(cfg Config, backends map[string]storage.Backend, tc tenant.Context) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}

	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}

	m := &Monitor{
		cfg:      cfg,
		backends: backends,
		states:   make(map[string]*backendMonitor),
		tc:       tc,
		stop:     make(chan struct{}),
	}

	for id := range backends {
		m.states[id] = &backendMonitor{status: Status{IsHealthy: true}}
	}

	return m
}

// Start launches one probe loop per backend, returning once they're
// running in the background. Call Stop to shut them down.
func (m *Monitor) Start() {
	for id, backend := range m.backends {
		id, backend := id, backend

		m.wg.Add(1)

		go func() {
			defer m.wg.Done()
			m.loop(id, backend)
		}()
	}
}

// Stop halts every probe loop and waits for them to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Monitor) loop(id string, backend storage.Backend) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.probeOnce(id, backend)

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.probeOnce(id, backend)
		}
	}
}

func (m *Monitor) probeOnce(id string, backend storage.Backend) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := backend.Ping(ctx)
	latency := time.Since(start)

	m.states[id].record(latency, err, m.cfg.FailureThreshold, m.cfg.SuccessThreshold)
}

// BackendStatus returns backend id's current Status.
func (m *Monitor) BackendStatus(id string) (Status, bool) {
	state, ok := m.states[id]
	if !ok {
		return Status{}, false
	}

	return state.snapshot(), true
}

// AllStatus returns every backend's current Status, keyed by id.
func (m *Monitor) AllStatus() map[string]Status {
	out := make(map[string]Status, len(m.states))

	for id, state := range m.states {
		out[id] = state.snapshot()
	}

	return out
}

// IsHealthy reports whether backend id is currently healthy.
func (m *Monitor) IsHealthy(id string) bool {
	status, ok := m.BackendStatus(id)

	return ok && status.IsHealthy
}

// AllHealthy reports whether every monitored backend is currently
// healthy.
func (m *Monitor) AllHealthy() bool {
	for _, state := range m.states {
		if !state.snapshot().IsHealthy {
			return false
		}
	}

	return true
}
