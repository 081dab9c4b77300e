// Package config loads the runtime's configuration from YAML (with
// $include directives and environment-variable expansion), grounded on
// the teacher's internal/config loader.
package config

import (
	"fmt"
	"time"

	"github.com/haasonsaas/agentrt/internal/toolcoord"
	"github.com/haasonsaas/agentrt/pkg/models"
)

// Config is the root configuration for one agentrt deployment.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	LLM           LLMConfig           `yaml:"llm"`
	Session       SessionConfig       `yaml:"session"`
	Budget        BudgetConfig        `yaml:"budget"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Executor      ExecutorConfig      `yaml:"executor"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// BudgetConfig is the YAML-facing mirror of models.TokenBudget.
type BudgetConfig struct {
	ModelWindow   uint32 `yaml:"model_window"`
	OutputReserve uint32 `yaml:"output_reserve"`
	SafetyMargin  uint32 `yaml:"safety_margin"`
	Strategy      string `yaml:"strategy"`
}

// ToModel converts BudgetConfig into the models.TokenBudget the Context
// Preparer consumes, defaulting Strategy to "window" (the only fully
// specified strategy).
func (b BudgetConfig) ToModel() models.TokenBudget {
	strategy := models.StrategyWindow
	switch b.Strategy {
	case string(models.StrategySummarize):
		strategy = models.StrategySummarize
	case string(models.StrategyHybrid):
		strategy = models.StrategyHybrid
	}
	return models.TokenBudget{
		ModelWindow:   b.ModelWindow,
		OutputReserve: b.OutputReserve,
		SafetyMargin:  b.SafetyMargin,
		Strategy:      strategy,
	}
}

// ApprovalConfig is the YAML-facing mirror of toolcoord.ApprovalPolicy.
type ApprovalConfig struct {
	Allowlist       []string      `yaml:"allowlist"`
	Denylist        []string      `yaml:"denylist"`
	RequireApproval []string      `yaml:"require_approval"`
	DefaultDecision string        `yaml:"default_decision"`
	RequestTTL      time.Duration `yaml:"request_ttl"`
}

// ToPolicy converts ApprovalConfig into a toolcoord.ApprovalPolicy.
func (a ApprovalConfig) ToPolicy() toolcoord.ApprovalPolicy {
	decision := toolcoord.Pending
	switch a.DefaultDecision {
	case string(toolcoord.Allowed):
		decision = toolcoord.Allowed
	case string(toolcoord.Denied):
		decision = toolcoord.Denied
	}
	return toolcoord.ApprovalPolicy{
		Allowlist:       a.Allowlist,
		Denylist:        a.Denylist,
		RequireApproval: a.RequireApproval,
		DefaultDecision: decision,
		RequestTTL:      a.RequestTTL,
	}
}

// ExecutorConfig is the YAML-facing mirror of toolcoord.ExecConfig.
type ExecutorConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	PerToolTimeout time.Duration `yaml:"per_tool_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
}

func (e ExecutorConfig) ToExecConfig() toolcoord.ExecConfig {
	cfg := toolcoord.DefaultExecConfig()
	if e.Concurrency > 0 {
		cfg.Concurrency = e.Concurrency
	}
	if e.PerToolTimeout > 0 {
		cfg.PerToolTimeout = e.PerToolTimeout
	}
	if e.MaxAttempts > 0 {
		cfg.MaxAttempts = e.MaxAttempts
	}
	if e.RetryBackoff > 0 {
		cfg.RetryBackoff = e.RetryBackoff
	}
	return cfg
}

// Load reads and validates the config file at path, resolving $include
// directives and expanding environment variables along the way.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	if c.Budget.ModelWindow == 0 {
		c.Budget.ModelWindow = 200000
	}
	if c.Budget.OutputReserve == 0 {
		c.Budget.OutputReserve = 4096
	}
	if c.Approval.RequestTTL == 0 {
		c.Approval.RequestTTL = 5 * time.Minute
	}
	if c.Session.Store.Backend == "" {
		c.Session.Store.Backend = "memory"
	}
	if c.Session.ReapAfter == 0 {
		c.Session.ReapAfter = 300 * time.Second
	}
	if c.Session.ReapSchedule == "" {
		c.Session.ReapSchedule = "@every 30s"
	}
}
