package relayer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/colorfulnotion/shieldpool/log"
	"github.com/colorfulnotion/shieldpool/metrics"
	"github.com/colorfulnotion/shieldpool/poolerrors"
	"github.com/colorfulnotion/shieldpool/types"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	HealthInterval time.Duration
	ProbeTimeout   time.Duration
	SubmitTimeout  time.Duration
	MaxAttempts    int
	// HealthScore is the score a healthy endpoint starts with. A server
	// error costs one point, a transport error or timeout costs all of it.
	HealthScore int
}

func DefaultConfig() Config {
	return Config{
		HealthInterval: 30 * time.Second,
		ProbeTimeout:   5 * time.Second,
		SubmitTimeout:  15 * time.Second,
		MaxAttempts:    3,
		HealthScore:    2,
	}
}

func (c Config) Validate() error {
	if c.HealthInterval <= 0 || c.ProbeTimeout <= 0 || c.SubmitTimeout <= 0 {
		return fmt.Errorf("relayer timeouts must be positive")
	}
	if c.MaxAttempts < 1 || c.HealthScore < 1 {
		return fmt.Errorf("%w: maxAttempts and healthScore must be at least 1", poolerrors.ErrInvalidLimits)
	}
	return nil
}

// EndpointState is a snapshot of one endpoint's bookkeeping.
type EndpointState struct {
	Name                string
	Healthy             bool
	Status              HealthStatus
	Score               int
	ConsecutiveFailures int
	Failures            uint64
	Successes           uint64
	LastCheck           time.Time
	LastError           string
}

type entry struct {
	ep    Endpoint
	state EndpointState
}

// Manager spreads submissions round-robin over healthy endpoints and
// probes them in the background.
type Manager struct {
	cfg     Config
	metrics *metrics.Metrics

	mu        sync.Mutex
	endpoints []*entry
	cursor    int

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager starts every endpoint healthy with a full score.
func NewManager(cfg Config, endpoints []Endpoint, m *metrics.Metrics) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("relayer: no endpoints configured")
	}
	mgr := &Manager{cfg: cfg, metrics: m}
	seen := make(map[string]bool)
	for _, ep := range endpoints {
		if seen[ep.Name()] {
			return nil, fmt.Errorf("relayer: duplicate endpoint name %q", ep.Name())
		}
		seen[ep.Name()] = true
		mgr.endpoints = append(mgr.endpoints, &entry{
			ep:    ep,
			state: EndpointState{Name: ep.Name(), Healthy: true, Status: HealthOK, Score: cfg.HealthScore},
		})
		m.RelayHealth(ep.Name(), true)
	}
	return mgr, nil
}

// Start launches the health loop. It probes immediately, then every
// HealthInterval, until Stop or ctx ends.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.healthLoop(ctx, m.done)
	log.Info(log.Relayer, "Relayer health loop started", "endpoints", len(m.endpoints), "interval", m.cfg.HealthInterval)
}

// Stop ends the health loop and waits for it.
func (m *Manager) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info(log.Relayer, "Relayer health loop stopped")
}

func (m *Manager) healthLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	m.CheckHealth(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// CheckHealth probes every endpoint concurrently, each bounded by
// ProbeTimeout. Reachable endpoints (ok or degraded) become healthy with a
// full score.
func (m *Manager) CheckHealth(ctx context.Context) {
	m.mu.Lock()
	entries := append([]*entry(nil), m.endpoints...)
	m.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
			status, err := e.ep.Health(pctx)
			cancel()
			m.recordProbe(e, status, err)
			return nil
		})
	}
	g.Wait()
}

func (m *Manager) recordProbe(e *entry, status HealthStatus, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := e.state.Healthy
	e.state.LastCheck = time.Now()
	if err != nil {
		e.state.Healthy = false
		e.state.Score = 0
		e.state.LastError = err.Error()
	} else {
		e.state.Healthy = true
		e.state.Status = status
		e.state.Score = m.cfg.HealthScore
		e.state.ConsecutiveFailures = 0
	}
	m.metrics.RelayHealth(e.state.Name, e.state.Healthy)
	if was != e.state.Healthy {
		log.Info(log.Relayer, "Relay endpoint health changed", "endpoint", e.state.Name, "healthy", e.state.Healthy,
			"status", status, "err", err)
	}
}

// Submit hands sub to a healthy endpoint, starting at the round-robin
// cursor. A failing endpoint is retried only while it stays healthy and the
// attempts left outnumber the healthy endpoints not yet tried; otherwise the
// next untried healthy endpoint takes over. After MaxAttempts failures
// the result is *AllEndpointsFailed. A 4xx answer is returned as is; it
// says nothing about the endpoint's health.
func (m *Manager) Submit(ctx context.Context, sub *types.Submission) (*types.RelayReceipt, error) {
	m.mu.Lock()
	idx := m.nextHealthy(m.cursor, -1)
	m.mu.Unlock()
	if idx < 0 {
		return nil, &poolerrors.AllEndpointsFailed{Err: poolerrors.ErrNoHealthyEndpoints}
	}

	var lastErr error
	attempts := 0
	tried := make([]bool, len(m.endpoints))
	for attempts < m.cfg.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attempts++
		tried[idx] = true
		e := m.endpoints[idx]

		actx, cancel := context.WithTimeout(ctx, m.cfg.SubmitTimeout)
		receipt, err := e.ep.Submit(actx, sub)
		cancel()
		if err == nil {
			m.recordSuccess(idx)
			log.Debug(log.Relayer, "Submission relayed", "endpoint", e.state.Name, "attempt", attempts,
				"handle", receipt.ConfirmationHandle)
			receipt.Endpoint = e.state.Name
			return receipt, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, poolerrors.ErrSubmissionRejected) {
			m.metrics.RelayAttempt(e.state.Name, "rejected")
			return nil, err
		}
		lastErr = err

		m.mu.Lock()
		healthy := m.recordFailure(e, err)
		next := idx
		if !healthy || m.cfg.MaxAttempts-attempts <= m.untriedHealthy(tried) {
			if n := m.nextUntried(idx+1, tried); n >= 0 {
				next = n
			} else if !healthy {
				next = m.nextHealthy(idx+1, idx)
			}
		}
		m.mu.Unlock()
		log.Warn(log.Relayer, "Relay attempt failed", "endpoint", e.state.Name, "attempt", attempts, "err", err)
		if next < 0 {
			break
		}
		idx = next
	}
	return nil, &poolerrors.AllEndpointsFailed{Attempts: attempts, Err: lastErr}
}

// nextHealthy returns the first healthy endpoint at or after from, skipping
// exclude, or -1. Callers hold m.mu.
func (m *Manager) nextHealthy(from, exclude int) int {
	n := len(m.endpoints)
	for i := 0; i < n; i++ {
		idx := (from + i) % n
		if idx != exclude && m.endpoints[idx].state.Healthy {
			return idx
		}
	}
	return -1
}

// nextUntried is nextHealthy restricted to endpoints this submission has
// not reached yet. Callers hold m.mu.
func (m *Manager) nextUntried(from int, tried []bool) int {
	n := len(m.endpoints)
	for i := 0; i < n; i++ {
		idx := (from + i) % n
		if !tried[idx] && m.endpoints[idx].state.Healthy {
			return idx
		}
	}
	return -1
}

func (m *Manager) untriedHealthy(tried []bool) int {
	count := 0
	for i, e := range m.endpoints {
		if !tried[i] && e.state.Healthy {
			count++
		}
	}
	return count
}

func (m *Manager) recordSuccess(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.endpoints[idx]
	e.state.Successes++
	e.state.ConsecutiveFailures = 0
	e.state.Score = m.cfg.HealthScore
	m.cursor = (idx + 1) % len(m.endpoints)
	m.metrics.RelayAttempt(e.state.Name, "ok")
}

// recordFailure lowers the endpoint's score and reports whether it is
// still healthy. Callers hold m.mu.
func (m *Manager) recordFailure(e *entry, err error) bool {
	e.state.Failures++
	e.state.ConsecutiveFailures++
	e.state.LastError = err.Error()
	outcome := "unreachable"
	if errors.Is(err, poolerrors.ErrEndpointUnavailable) {
		outcome = "unavailable"
		e.state.Score--
	} else {
		e.state.Score = 0
	}
	if e.state.Score <= 0 {
		e.state.Score = 0
		e.state.Healthy = false
		m.metrics.RelayHealth(e.state.Name, false)
	}
	m.metrics.RelayAttempt(e.state.Name, outcome)
	return e.state.Healthy
}

// States returns every endpoint's bookkeeping in configuration order.
func (m *Manager) States() []EndpointState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EndpointState, 0, len(m.endpoints))
	for _, e := range m.endpoints {
		out = append(out, e.state)
	}
	return out
}

func (m *Manager) State(name string) (EndpointState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.endpoints {
		if e.state.Name == name {
			return e.state, true
		}
	}
	return EndpointState{}, false
}
