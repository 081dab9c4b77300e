// Package observability provides monitoring and debugging capabilities for
// the agent runtime through metrics, structured logging, and distributed
// tracing.
//
// # Overview
//
// The package covers the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed tracing of rounds, provider calls, and tool
//     executions with OpenTelemetry
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track:
//   - LLM provider request latency and token usage
//   - Tool execution performance
//   - Error rates by component and type
//   - Agent loop round throughput by terminal status
//   - Events dropped by a backpressured sink
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	start := time.Now()
//	// ... call the provider ...
//	metrics.RecordLLMRequest("anthropic", "claude-3-opus", "success",
//	    time.Since(start).Seconds(), promptTokens, completionTokens)
//
//	start = time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("search", "success", time.Since(start).Seconds())
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic request ID correlation from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	ctx := observability.AddRunID(ctx, runID)
//	ctx = observability.AddSessionID(ctx, sessionID)
//
//	logger.InfoContext(ctx, "round started",
//	    "round", round,
//	    "tool_calls", len(calls),
//	)
//
//	logger.ErrorContext(ctx, "provider request failed",
//	    "error", err,
//	    "provider", "anthropic",
//	    "api_key", apiKey, // Automatically redacted
//	)
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry to track a turn across rounds,
// provider calls, and tool executions:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "agentrt",
//	    ServiceVersion: "1.0.0",
//	    Endpoint:       "localhost:4317", // OTLP collector
//	    SamplingRate:   0.1,
//	})
//	defer shutdown(context.Background())
//
//	ctx, llmSpan := tracer.TraceLLMRequest(ctx, "anthropic", "claude-3-opus")
//	defer llmSpan.End()
//	tracer.SetAttributes(llmSpan, "prompt_tokens", 100, "completion_tokens", 500)
//
//	ctx, toolSpan := tracer.TraceToolExecution(ctx, "search")
//	defer toolSpan.End()
//	if err != nil {
//	    tracer.RecordError(toolSpan, err)
//	}
//
// # Context Propagation
//
//	ctx = observability.AddRequestID(ctx, "req-123")
//	ctx = observability.AddSessionID(ctx, "sess-456")
//	ctx = observability.AddRunID(ctx, runID)
//
//	logger.InfoContext(ctx, "processing") // Includes request_id, session_id, run_id
//
//	ctx, span := tracer.Start(ctx, "operation")
//	// Trace context propagates to child spans
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - API keys (Anthropic, OpenAI, generic)
//   - Passwords and secrets
//   - JWT tokens
//   - Bearer tokens
//   - Custom patterns via configuration
//
// Sensitive fields in maps are also redacted:
//   - password, passwd, pwd
//   - secret, api_key, apikey
//   - token, auth, authorization
//   - private_key, privatekey
//
// # Monitoring Dashboard
//
// The metrics exposed can be used to build dashboards:
//
//	# LLM request latency (95th percentile)
//	histogram_quantile(0.95, rate(agentrt_llm_request_duration_seconds_bucket[5m]))
//
//	# Error rate
//	rate(agentrt_errors_total[5m])
//
//	# Round throughput by terminal status
//	rate(agentrt_rounds_total[5m])
//
//	# Dropped events (client falling behind)
//	rate(agentrt_dropped_events_total[5m])
//
//	# Tool execution time
//	rate(agentrt_tool_execution_duration_seconds_sum[5m]) /
//	rate(agentrt_tool_execution_duration_seconds_count[5m])
package observability
