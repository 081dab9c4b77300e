package config

import "github.com/haasonsaas/agentrt/internal/observability"

// ObservabilityConfig configures structured logging and tracing.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures internal/observability's slog-based Logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls OpenTelemetry tracing of rounds, provider
// calls, and tool executions.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	Insecure       bool    `yaml:"insecure"`
}

// ToLogConfig converts the YAML-facing logging config into the shape
// internal/observability.NewLogger expects. debugOverride, set by the
// serve command's --debug flag, wins over whatever level the config
// file specifies.
func (c LoggingConfig) ToLogConfig(debugOverride bool) observability.LogConfig {
	level := c.Level
	if debugOverride {
		level = "debug"
	}
	return observability.LogConfig{
		Level:  level,
		Format: c.Format,
	}
}

// ToTraceConfig converts the YAML-facing tracing config into the shape
// internal/observability.NewTracer expects.
func (c TracingConfig) ToTraceConfig() observability.TraceConfig {
	return observability.TraceConfig{
		ServiceName:    c.ServiceName,
		ServiceVersion: c.ServiceVersion,
		Endpoint:       c.Endpoint,
		SamplingRate:   c.SamplingRate,
		EnableInsecure: c.Insecure,
	}
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}
