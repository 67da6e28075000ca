// Package manager assembles the resilience layer: health monitor, rate
// limiter, usage ledger, failover routers, and the race-and-select
// translation path, behind the narrow contract the agent workflow consumes.
// It is constructed explicitly and injected at startup; there are no
// package-level singletons.
package manager

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/zen-systems/backstop/pkg/backend"
	"github.com/zen-systems/backstop/pkg/config"
	"github.com/zen-systems/backstop/pkg/failover"
	"github.com/zen-systems/backstop/pkg/health"
	"github.com/zen-systems/backstop/pkg/log"
	"github.com/zen-systems/backstop/pkg/race"
	"github.com/zen-systems/backstop/pkg/ratelimit"
	"github.com/zen-systems/backstop/pkg/retry"
	"github.com/zen-systems/backstop/pkg/stats"
)

// Roles the manager routes for.
const (
	RoleGeneration = "generation"
	RoleSearch     = "search"
)

// GenerateOptions tunes one generation call.
type GenerateOptions struct {
	Model      string
	MaxTokens  int
	Preferred  string
	NoFallback bool
}

// GenerateResult is the outcome of a generation call.
type GenerateResult struct {
	Content   string  `json:"content"`
	Backend   string  `json:"backend"`
	UnitsUsed int     `json:"units_used"`
	Cost      float64 `json:"cost"`
	LatencyMs int64   `json:"latency_ms"`
}

// SearchOptions tunes one search call.
type SearchOptions struct {
	MaxResults int
	Preferred  string
}

// SearchResult is the outcome of a search call.
type SearchResult struct {
	Results      []backend.SearchResult `json:"results"`
	Backend      string                 `json:"backend"`
	TotalResults int                    `json:"total_results"`
}

// Status is the read-only diagnostic surface.
type Status struct {
	Backends     map[string]health.BackendHealth `json:"backends"`
	Active       map[string]string               `json:"active"`
	RecentEvents map[string][]failover.Event     `json:"recent_events"`
	Usage        map[string]stats.Entry          `json:"usage"`
}

// Manager is the resilience layer instance.
type Manager struct {
	cfg     *config.Config
	monitor *health.Monitor
	limiter *ratelimit.Limiter
	ledger  *stats.Ledger

	routers   map[string]*failover.Router
	selector  *race.Selector
	endpoints []race.Endpoint

	models  map[string]string // backend name -> configured model
	pricing map[string]config.ModelCost

	activeMu sync.RWMutex
	active   map[string]string

	inflight sync.WaitGroup
}

// New builds the resilience layer from configuration. Backends whose vendor
// has no API key configured are skipped with a warning.
func New(cfg *config.Config) (*Manager, error) {
	rc := cfg.Resilience
	if rc == nil {
		rc = config.DefaultResilienceConfig()
	}

	m := &Manager{
		cfg: cfg,
		monitor: health.NewMonitor(health.Config{
			Interval:         time.Duration(rc.Health.IntervalSeconds) * time.Second,
			ProbeTimeout:     time.Duration(rc.Health.ProbeTimeoutSeconds) * time.Second,
			Cooldown:         time.Duration(rc.Health.CooldownSeconds) * time.Second,
			FailureThreshold: rc.Health.FailureThreshold,
		}),
		limiter: ratelimit.NewLimiter(),
		ledger:  stats.NewLedger(),
		routers: make(map[string]*failover.Router),
		models:  make(map[string]string),
		pricing: rc.Pricing,
		active:  make(map[string]string),
	}

	policy := retry.Policy{
		MaxRetries:    rc.Retry.MaxRetries,
		BackoffFactor: rc.Retry.BackoffFactor,
		MaxBackoff:    time.Duration(rc.Retry.MaxBackoffSeconds) * time.Second,
	}
	m.routers[RoleGeneration] = failover.NewRouter(RoleGeneration, m.monitor, m.limiter, m.ledger, policy)
	m.routers[RoleSearch] = failover.NewRouter(RoleSearch, m.monitor, m.limiter, m.ledger, policy)

	registered := 0
	for _, bc := range rc.Backends {
		if !cfg.HasBackend(bc.Vendor) {
			log.Warn().Str("backend", bc.Name).Str("vendor", bc.Vendor).Msg("skipping backend, no API key configured")
			continue
		}
		b, err := buildBackend(cfg, bc)
		if err != nil {
			return nil, fmt.Errorf("build backend %s: %w", bc.Name, err)
		}

		m.monitor.Register(b)
		m.limiter.Register(bc.Name, ratelimit.Limits{
			PerMinute: rc.Limit(bc.Name).PerMinute,
			PerDay:    rc.Limit(bc.Name).PerDay,
		})
		m.models[bc.Name] = bc.Model

		caps := bc.Capabilities
		if len(caps) == 0 {
			capList := b.Capabilities()
			caps = make([]string, len(capList))
			for i, c := range capList {
				caps[i] = string(c)
			}
		}
		for _, c := range caps {
			switch c {
			case "generation":
				m.routers[RoleGeneration].Register(b, bc.Primary)
			case "search":
				m.routers[RoleSearch].Register(b, bc.Primary)
			}
		}
		registered++
	}
	if registered == 0 {
		return nil, fmt.Errorf("no usable backends configured")
	}

	for role, r := range m.routers {
		m.active[role] = r.Active()
		role := role
		r.Subscribe(func(ev failover.Event) {
			m.activeMu.Lock()
			m.active[role] = ev.To
			m.activeMu.Unlock()
		})
	}

	m.selector = race.NewSelector(race.Config{
		OuterTimeout: time.Duration(rc.Translation.OuterTimeoutSeconds) * time.Second,
		CallTimeout:  time.Duration(rc.Translation.CallTimeoutSeconds) * time.Second,
	})
	callTimeout := time.Duration(rc.Translation.CallTimeoutSeconds) * time.Second
	for _, ec := range rc.Translation.Endpoints {
		apiKey := ""
		if ec.APIKeyEnv != "" {
			apiKey = os.Getenv(ec.APIKeyEnv)
		}
		ep := backend.NewTranslateEndpoint(ec.Name, ec.URL, apiKey, ec.Priority, callTimeout)
		m.endpoints = append(m.endpoints, race.Endpoint{
			Name:     ep.Name(),
			Priority: ep.Priority(),
			Call:     ep.Translate,
		})
	}

	return m, nil
}

func buildBackend(cfg *config.Config, bc config.BackendConfig) (backend.Backend, error) {
	switch bc.Vendor {
	case "anthropic":
		return backend.NewAnthropicBackend(bc.Name, bc.Model, cfg.AnthropicAPIKey)
	case "openai":
		return backend.NewOpenAIBackend(bc.Name, bc.Model, cfg.OpenAIAPIKey)
	case "google":
		return backend.NewGoogleBackend(bc.Name, bc.Model, cfg.GoogleAPIKey)
	case "mock":
		return backend.NewMockBackend(bc.Name), nil
	default:
		return nil, fmt.Errorf("unknown vendor %q", bc.Vendor)
	}
}

// Start launches the background health probe loop.
func (m *Manager) Start(ctx context.Context) {
	m.monitor.Start(ctx)
}

// Close stops the probe loop and drains in-flight requests.
func (m *Manager) Close() {
	m.monitor.Stop()
	m.inflight.Wait()
	log.Info().Msg("resilience layer shut down")
}

// Generate runs a generation job through the failover router.
func (m *Manager) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*GenerateResult, error) {
	m.inflight.Add(1)
	defer m.inflight.Done()

	var result GenerateResult
	winner, err := m.routers[RoleGeneration].Execute(ctx, failover.Options{
		Preferred:  opts.Preferred,
		NoFallback: opts.NoFallback,
	}, func(ctx context.Context, b backend.Backend) (stats.Outcome, error) {
		start := time.Now()
		resp, err := b.Generate(ctx, backend.GenerateRequest{
			Model:     opts.Model,
			Prompt:    prompt,
			MaxTokens: opts.MaxTokens,
		})
		if err != nil {
			return stats.Outcome{}, err
		}

		cost := m.estimateCost(b.Name(), resp.Usage)
		result = GenerateResult{
			Content:   resp.Content,
			Backend:   b.Name(),
			UnitsUsed: resp.Usage.TotalTokens,
			Cost:      cost,
			LatencyMs: time.Since(start).Milliseconds(),
		}
		return stats.Outcome{Units: resp.Usage.TotalTokens, Cost: cost}, nil
	})
	if err != nil {
		return nil, err
	}
	result.Backend = winner
	return &result, nil
}

// Search runs a search job through the failover router.
func (m *Manager) Search(ctx context.Context, query, searchType string, opts SearchOptions) (*SearchResult, error) {
	m.inflight.Add(1)
	defer m.inflight.Done()

	var result SearchResult
	winner, err := m.routers[RoleSearch].Execute(ctx, failover.Options{
		Preferred: opts.Preferred,
	}, func(ctx context.Context, b backend.Backend) (stats.Outcome, error) {
		resp, err := b.Search(ctx, backend.SearchRequest{
			Query:      query,
			Type:       searchType,
			MaxResults: opts.MaxResults,
		})
		if err != nil {
			return stats.Outcome{}, err
		}
		result = SearchResult{
			Results:      resp.Results,
			Backend:      b.Name(),
			TotalResults: resp.Total,
		}
		return stats.Outcome{Units: len(resp.Results)}, nil
	})
	if err != nil {
		return nil, err
	}
	result.Backend = winner
	return &result, nil
}

// TranslateDocument races the document across every translation endpoint
// and returns the best valid result. It returns race.ErrNoValidResult when
// no endpoint produced a usable translation; callers keep the original
// content in that case.
func (m *Manager) TranslateDocument(ctx context.Context, content, targetLanguage string) (string, error) {
	m.inflight.Add(1)
	defer m.inflight.Done()

	if len(m.endpoints) == 0 {
		return "", race.ErrNoValidResult
	}
	return m.selector.Run(ctx, race.Job{
		Content:        content,
		TargetLanguage: targetLanguage,
		InputLength:    len(content),
	}, m.endpoints)
}

// ForceFailover switches the active backend for a role. Operational
// tooling only.
func (m *Manager) ForceFailover(role, to string) error {
	r, ok := m.routers[role]
	if !ok {
		return fmt.Errorf("unknown role %q", role)
	}
	return r.ForceFailover(to)
}

// GetStatus returns the diagnostic snapshot.
func (m *Manager) GetStatus() Status {
	m.activeMu.RLock()
	active := make(map[string]string, len(m.active))
	for role, name := range m.active {
		active[role] = name
	}
	m.activeMu.RUnlock()

	events := make(map[string][]failover.Event, len(m.routers))
	for role, r := range m.routers {
		events[role] = r.Events()
	}

	return Status{
		Backends:     m.monitor.Snapshot(),
		Active:       active,
		RecentEvents: events,
		Usage:        m.ledger.Snapshot(),
	}
}

// Probe forces a health probe of one backend.
func (m *Manager) Probe(ctx context.Context, name string) health.CheckResult {
	return m.monitor.Probe(ctx, name)
}

func (m *Manager) estimateCost(name string, usage backend.Usage) float64 {
	if m.pricing == nil {
		return 0
	}
	model := m.models[name]
	pricing, ok := m.pricing[model]
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)/1000*pricing.PromptPer1K +
		float64(usage.CompletionTokens)/1000*pricing.CompletionPer1K
}
