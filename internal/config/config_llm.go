package config

import "github.com/haasonsaas/agentrt/internal/ratelimit"

// LLMConfig selects and configures the Provider Adapter (C4).
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	DefaultModel    string                       `yaml:"default_model"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

// LLMProviderConfig configures one upstream provider adapter.
type LLMProviderConfig struct {
	APIKey    string          `yaml:"api_key"`
	BaseURL   string          `yaml:"base_url"`
	Region    string          `yaml:"region"` // bedrock
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig is the YAML-facing mirror of ratelimit.Config, applied
// per upstream provider to self-throttle outbound requests.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// ToRateLimitConfig converts RateLimitConfig into the shape
// ratelimit.NewBucket expects, falling back to ratelimit.DefaultConfig's
// rate/burst for an operator who enabled rate limiting without tuning
// either number.
func (r RateLimitConfig) ToRateLimitConfig() ratelimit.Config {
	defaults := ratelimit.DefaultConfig()
	cfg := ratelimit.Config{
		Enabled:           r.Enabled,
		RequestsPerSecond: r.RequestsPerSecond,
		BurstSize:         r.BurstSize,
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = defaults.BurstSize
	}
	return cfg
}
