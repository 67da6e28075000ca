package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ResilienceConfig holds the resilience layer configuration.
type ResilienceConfig struct {
	Backends    []BackendConfig      `yaml:"backends"`
	Health      HealthConfig         `yaml:"health,omitempty"`
	RateLimits  RateLimitsConfig     `yaml:"rate_limits,omitempty"`
	Retry       RetryConfig          `yaml:"retry,omitempty"`
	Translation TranslationConfig    `yaml:"translation,omitempty"`
	Pricing     map[string]ModelCost `yaml:"pricing,omitempty"`
}

// BackendConfig declares one backend candidate.
type BackendConfig struct {
	Name         string   `yaml:"name"`
	Vendor       string   `yaml:"vendor"` // anthropic | openai | google | mock
	Model        string   `yaml:"model,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"` // generation, search
	Primary      bool     `yaml:"primary,omitempty"`
}

// HealthConfig tunes the health monitor.
type HealthConfig struct {
	IntervalSeconds     int `yaml:"interval_s,omitempty"`
	ProbeTimeoutSeconds int `yaml:"probe_timeout_s,omitempty"`
	CooldownSeconds     int `yaml:"cooldown_s,omitempty"`
	FailureThreshold    int `yaml:"failure_threshold,omitempty"`
}

// RateLimitsConfig defines per-backend request budgets.
type RateLimitsConfig struct {
	Default    RateLimit            `yaml:"default,omitempty"`
	PerBackend map[string]RateLimit `yaml:"per_backend,omitempty"`
}

// RateLimit is one backend's budgets. Zero means unlimited.
type RateLimit struct {
	PerMinute int `yaml:"per_minute,omitempty"`
	PerDay    int `yaml:"per_day,omitempty"`
}

// RetryConfig defines retry and backoff behavior within one backend.
type RetryConfig struct {
	MaxRetries        int     `yaml:"max_retries,omitempty"`
	BackoffFactor     float64 `yaml:"backoff_factor,omitempty"`
	MaxBackoffSeconds int     `yaml:"max_backoff_s,omitempty"`
}

// TranslationConfig declares the redundant translation endpoints.
type TranslationConfig struct {
	OuterTimeoutSeconds int              `yaml:"outer_timeout_s,omitempty"`
	CallTimeoutSeconds  int              `yaml:"call_timeout_s,omitempty"`
	Endpoints           []EndpointConfig `yaml:"endpoints,omitempty"`
}

// EndpointConfig declares one translation endpoint. Priority 1 is highest.
type EndpointConfig struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	Priority  int    `yaml:"priority"`
}

// ModelCost defines per-1k token pricing used by the usage ledger.
type ModelCost struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k,omitempty"`
	CompletionPer1K float64 `yaml:"completion_per_1k,omitempty"`
}

// LoadResilienceConfig reads resilience configuration from a YAML file.
func LoadResilienceConfig(path string) (*ResilienceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg ResilienceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyResilienceDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultResilienceConfig returns the default resilience configuration:
// one backend per configured vendor, generation on all, search on google.
func DefaultResilienceConfig() *ResilienceConfig {
	cfg := &ResilienceConfig{
		Backends: []BackendConfig{
			{
				Name:         "anthropic",
				Vendor:       "anthropic",
				Model:        "claude-sonnet-4-20250514",
				Capabilities: []string{"generation"},
				Primary:      true,
			},
			{
				Name:         "openai",
				Vendor:       "openai",
				Model:        "gpt-5.2-thinking",
				Capabilities: []string{"generation"},
			},
			{
				Name:         "google",
				Vendor:       "google",
				Model:        "gemini-2.0-pro",
				Capabilities: []string{"generation", "search"},
			},
		},
	}
	applyResilienceDefaults(cfg)
	return cfg
}

func applyResilienceDefaults(cfg *ResilienceConfig) {
	if cfg.Health.IntervalSeconds <= 0 {
		cfg.Health.IntervalSeconds = 300
	}
	if cfg.Health.ProbeTimeoutSeconds <= 0 {
		cfg.Health.ProbeTimeoutSeconds = 10
	}
	if cfg.Health.CooldownSeconds <= 0 {
		cfg.Health.CooldownSeconds = 60
	}
	if cfg.Health.FailureThreshold <= 0 {
		cfg.Health.FailureThreshold = 3
	}
	if cfg.RateLimits.Default.PerMinute <= 0 {
		cfg.RateLimits.Default.PerMinute = 60
	}
	if cfg.RateLimits.Default.PerDay <= 0 {
		cfg.RateLimits.Default.PerDay = 5000
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = 2
	}
	if cfg.Retry.BackoffFactor <= 0 {
		cfg.Retry.BackoffFactor = 1.5
	}
	if cfg.Retry.MaxBackoffSeconds <= 0 {
		cfg.Retry.MaxBackoffSeconds = 10
	}
	if cfg.Translation.OuterTimeoutSeconds <= 0 {
		cfg.Translation.OuterTimeoutSeconds = 120
	}
	if cfg.Translation.CallTimeoutSeconds <= 0 {
		cfg.Translation.CallTimeoutSeconds = 90
	}
}

// Limit returns the effective rate limit for a backend.
func (c *ResilienceConfig) Limit(name string) RateLimit {
	if limit, ok := c.RateLimits.PerBackend[name]; ok {
		return limit
	}
	return c.RateLimits.Default
}

// Validate checks the configuration for inconsistencies.
func (c *ResilienceConfig) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}
	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend name is required")
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true
		switch b.Vendor {
		case "anthropic", "openai", "google", "mock":
		default:
			return fmt.Errorf("backend %q has unknown vendor %q", b.Name, b.Vendor)
		}
		for _, cap := range b.Capabilities {
			if cap != "generation" && cap != "search" {
				return fmt.Errorf("backend %q has unknown capability %q", b.Name, cap)
			}
		}
	}

	epSeen := make(map[string]bool, len(c.Translation.Endpoints))
	for _, ep := range c.Translation.Endpoints {
		if ep.Name == "" || ep.URL == "" {
			return fmt.Errorf("translation endpoint name and url are required")
		}
		if ep.Priority <= 0 {
			return fmt.Errorf("translation endpoint %q needs a positive priority", ep.Name)
		}
		if epSeen[ep.Name] {
			return fmt.Errorf("duplicate translation endpoint %q", ep.Name)
		}
		epSeen[ep.Name] = true
	}
	return nil
}
