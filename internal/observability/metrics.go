package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a centralized set of Prometheus collectors for the agent
// runtime: provider call latency/tokens, tool execution outcomes, round
// throughput, and events dropped by a backpressured sink.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	start := time.Now()
//	// ... call the provider ...
//	metrics.RecordLLMRequest("anthropic", "claude-3-opus", "success", time.Since(start).Seconds(), 100, 500)
type Metrics struct {
	// LLMRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts provider calls by provider, model, status.
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption by provider, model, type
	// (prompt|completion).
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations by tool name and status.
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution latency in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and error type.
	ErrorCounter *prometheus.CounterVec

	// ContextWindowUsed tracks prepared-context token usage per round.
	// Labels: provider, model
	ContextWindowUsed *prometheus.HistogramVec

	// RoundCount counts agent loop rounds by terminal status
	// (completed|pending|error|cancelled).
	RoundCount *prometheus.CounterVec

	// DroppedEvents counts AgentEvents a backpressured sink discarded
	// rather than deliver, by reason (e.g. "sink_full", "sink_closed").
	DroppedEvents *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus collectors against the
// default registry. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentrt_llm_request_duration_seconds",
				Help:    "Duration of LLM provider requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_llm_requests_total",
				Help: "Total number of LLM provider requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentrt_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ContextWindowUsed: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentrt_context_window_tokens",
				Help:    "Prepared context tokens used per round",
				Buckets: []float64{1000, 4000, 8000, 16000, 32000, 64000, 128000},
			},
			[]string{"provider", "model"},
		),

		RoundCount: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_rounds_total",
				Help: "Total number of agent loop rounds by terminal status",
			},
			[]string{"status"},
		),

		DroppedEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_dropped_events_total",
				Help: "Total number of AgentEvents dropped by a backpressured sink, by reason",
			},
			[]string{"reason"},
		),
	}
}

// RecordLLMRequest records metrics for one provider call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records metrics for one tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a given component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordContextWindow records prepared-context token usage for one round.
func (m *Metrics) RecordContextWindow(provider, model string, tokensUsed int) {
	m.ContextWindowUsed.WithLabelValues(provider, model).Observe(float64(tokensUsed))
}

// RecordRound records one agent loop round reaching a terminal status.
func (m *Metrics) RecordRound(status string) {
	m.RoundCount.WithLabelValues(status).Inc()
}

// RecordDroppedEvent records one AgentEvent discarded by a backpressured sink.
func (m *Metrics) RecordDroppedEvent(reason string) {
	m.DroppedEvents.WithLabelValues(reason).Inc()
}
