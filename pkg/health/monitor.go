// Package health tracks per-backend health from periodic probes and live
// call outcomes. A probe is a minimal real call; status transitions follow a
// consecutive-failure threshold.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/zen-systems/backstop/pkg/backend"
	"github.com/zen-systems/backstop/pkg/log"
)

// Status is a backend's health state.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult captures the outcome of one probe.
type CheckResult struct {
	Backend   string        `json:"backend"`
	Status    Status        `json:"status"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// BackendHealth is a read-only snapshot of one backend's health state.
type BackendHealth struct {
	Status           Status    `json:"status"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	LastProbe        time.Time `json:"last_probe,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
}

// Config holds monitor settings.
type Config struct {
	// Interval is how long a cached status stays fresh and how often the
	// background loop probes a healthy backend.
	Interval time.Duration
	// ProbeTimeout bounds one probe call.
	ProbeTimeout time.Duration
	// Cooldown is the shortened re-probe delay after a failed probe.
	Cooldown time.Duration
	// FailureThreshold flips a backend from degraded to unhealthy.
	FailureThreshold int
}

// DefaultConfig returns the default monitor settings.
func DefaultConfig() Config {
	return Config{
		Interval:         300 * time.Second,
		ProbeTimeout:     10 * time.Second,
		Cooldown:         60 * time.Second,
		FailureThreshold: 3,
	}
}

// Monitor tracks the health of registered backends.
type Monitor struct {
	cfg Config

	mu     sync.RWMutex
	states map[string]*state

	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// The per-backend lock is held for the duration of a probe, so concurrent
// callers needing a fresh status wait for the one in-flight probe instead of
// duplicating it.
type state struct {
	mu      sync.Mutex
	b       backend.Backend
	status  Status
	fails   int
	lastAt  time.Time
	lastErr string
	latency time.Duration
}

// NewMonitor creates a monitor with the given settings.
func NewMonitor(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	return &Monitor{
		cfg:    cfg,
		states: make(map[string]*state),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Register adds a backend to the monitor with status unknown.
func (m *Monitor) Register(b backend.Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[b.Name()] = &state{b: b, status: StatusUnknown}
}

func (m *Monitor) state(name string) *state {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[name]
}

// Probe issues a minimal real call against the backend and updates its
// status from the outcome.
func (m *Monitor) Probe(ctx context.Context, name string) CheckResult {
	st := m.state(name)
	if st == nil {
		return CheckResult{Backend: name, Status: StatusUnknown, Error: "backend not registered", CheckedAt: m.now()}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return m.probeLocked(ctx, name, st)
}

func (m *Monitor) probeLocked(ctx context.Context, name string, st *state) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := m.now()
	err := minimalCall(ctx, st.b)
	latency := m.now().Sub(start)

	st.lastAt = m.now()
	st.latency = latency
	if err != nil {
		st.fails++
		st.lastErr = err.Error()
		if st.fails >= m.cfg.FailureThreshold {
			st.status = StatusUnhealthy
		} else {
			st.status = StatusDegraded
		}
		log.Warn().
			Str("backend", name).
			Str("status", string(st.status)).
			Int("consecutive_fails", st.fails).
			Err(err).
			Msg("health probe failed")
	} else {
		st.fails = 0
		st.lastErr = ""
		st.status = StatusHealthy
	}

	return CheckResult{
		Backend:   name,
		Status:    st.status,
		Latency:   latency,
		Error:     st.lastErr,
		CheckedAt: st.lastAt,
	}
}

// minimalCall picks the cheapest real call a backend supports.
func minimalCall(ctx context.Context, b backend.Backend) error {
	if backend.HasCapability(b, backend.CapabilityGeneration) {
		_, err := b.Generate(ctx, backend.GenerateRequest{Prompt: "ping", MaxTokens: 8})
		return err
	}
	_, err := b.Search(ctx, backend.SearchRequest{Query: "ping", MaxResults: 1})
	return err
}

// IsHealthy reports whether the backend is usable (healthy or degraded).
// A cached status is reused unless it is stale or force is set; concurrent
// callers needing a probe share a single one.
func (m *Monitor) IsHealthy(ctx context.Context, name string, force bool) bool {
	st := m.state(name)
	if st == nil {
		return false
	}

	requested := m.now()
	st.mu.Lock()
	defer st.mu.Unlock()

	fresh := !st.lastAt.IsZero() && m.now().Sub(st.lastAt) < m.cfg.Interval
	if fresh && !force {
		return usable(st.status)
	}
	// A probe that completed after this call started satisfies it; only the
	// first caller through the lock actually probes.
	if !st.lastAt.IsZero() && !st.lastAt.Before(requested) {
		return usable(st.status)
	}

	result := m.probeLocked(ctx, name, st)
	return usable(result.Status)
}

func usable(s Status) bool {
	return s == StatusHealthy || s == StatusDegraded
}

// RecordOutcome feeds a live call outcome into the state machine, applying
// the same transition rules as a probe.
func (m *Monitor) RecordOutcome(name string, err error) {
	st := m.state(name)
	if st == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if err == nil {
		st.fails = 0
		st.lastErr = ""
		st.status = StatusHealthy
		return
	}
	st.fails++
	st.lastErr = err.Error()
	if st.fails >= m.cfg.FailureThreshold {
		st.status = StatusUnhealthy
	} else {
		st.status = StatusDegraded
	}
}

// Snapshot returns the current health of every registered backend.
func (m *Monitor) Snapshot() map[string]BackendHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]BackendHealth, len(m.states))
	for name, st := range m.states {
		st.mu.Lock()
		out[name] = BackendHealth{
			Status:           st.status,
			ConsecutiveFails: st.fails,
			LastProbe:        st.lastAt,
			LastError:        st.lastErr,
		}
		st.mu.Unlock()
	}
	return out
}

// Start launches the background probe loop. Failed backends are re-probed
// after the cooldown instead of the full interval.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		m.probeDue(ctx)
		ticker := time.NewTicker(m.cfg.Cooldown)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probeDue(ctx)
			}
		}
	}()
	log.Info().Dur("interval", m.cfg.Interval).Msg("health monitor started")
}

func (m *Monitor) probeDue(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.states))
	for name := range m.states {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		st := m.state(name)
		if st == nil {
			continue
		}
		st.mu.Lock()
		due := st.lastAt.IsZero()
		if !due {
			age := m.now().Sub(st.lastAt)
			if st.status == StatusHealthy {
				due = age >= m.cfg.Interval
			} else {
				due = age >= m.cfg.Cooldown
			}
		}
		if due {
			m.probeLocked(ctx, name, st)
		}
		st.mu.Unlock()
	}
}

// Stop shuts down the background probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}
