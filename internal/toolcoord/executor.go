package toolcoord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/agentrt/internal/observability"
	"github.com/haasonsaas/agentrt/pkg/models"
)

// Tool is one callable function the executor can dispatch to.
type Tool interface {
	Name() string
	Schema() *jsonschema.Schema
	Execute(ctx context.Context, arguments string) (string, error)
}

// Registry looks tools up by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// ExecConfig configures concurrency, per-call timeout, and retry
// behavior. Grounded on the teacher's agent.ToolExecConfig.
type ExecConfig struct {
	Concurrency    int
	PerToolTimeout time.Duration
	MaxAttempts    int
	RetryBackoff   time.Duration
}

// DefaultExecConfig mirrors SPEC_FULL.md's Open Question 1 resolution:
// MaxAttempts defaults to 3, one more than the teacher's default of 1,
// since spec's tool calls are expected to be network-fallible and the
// coordinator's retry path is part of the named contract.
func DefaultExecConfig() ExecConfig {
	return ExecConfig{
		Concurrency:    4,
		PerToolTimeout: 30 * time.Second,
		MaxAttempts:    3,
		RetryBackoff:   250 * time.Millisecond,
	}
}

// Executor runs tool calls concurrently against a Registry.
type Executor struct {
	registry *Registry
	config   ExecConfig
	tracer   *observability.Tracer
}

func NewExecutor(registry *Registry, config ExecConfig) *Executor {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.PerToolTimeout <= 0 {
		config.PerToolTimeout = 30 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	return &Executor{registry: registry, config: config}
}

// SetTracer attaches a Tracer so every tool execution gets its own span.
// Optional: an Executor with no tracer set runs exactly as before.
func (e *Executor) SetTracer(tracer *observability.Tracer) {
	e.tracer = tracer
}

// EventFunc receives tool lifecycle notifications (start, and the final
// attempt's outcome) during ExecuteConcurrently. It must not block.
type EventFunc func(call models.ToolCall, attempt int, event string)

// ExecuteConcurrently runs calls under a concurrency semaphore, one
// goroutine per call, retrying a call up to MaxAttempts times with each
// retry REPLACING (not appending to) that call's slot in the result —
// grounded on the teacher's tool_exec.go `results[idx] = ...`
// reassignment, which is what makes a retry idempotent in the result
// set rather than producing duplicate ToolResults for one call_id.
func (e *Executor) ExecuteConcurrently(ctx context.Context, calls []models.ToolCall, onEvent EventFunc) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = models.ToolResult{CallID: call.ID, Success: false, Payload: "context canceled"}
				return
			}

			results[idx] = e.executeWithRetry(ctx, call, onEvent)
		}(i, call)
	}

	wg.Wait()
	return results
}

// executeWithRetry runs one call, retrying only kinds executeOnce
// classifies as Retryable (ExecutionFailed, Timeout). InvalidArguments
// and Permission failures are returned on the first attempt: the same
// call would fail the same way every time, so retrying would only fire
// spurious start/error events without changing the outcome.
func (e *Executor) executeWithRetry(ctx context.Context, call models.ToolCall, onEvent EventFunc) models.ToolResult {
	var result models.ToolResult
	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		if onEvent != nil {
			onEvent(call, attempt, "start")
		}

		var toolErr *ToolError
		result, toolErr = e.executeOnce(ctx, call)
		if result.Success {
			if onEvent != nil {
				onEvent(call, attempt, "complete")
			}
			return result
		}
		if onEvent != nil {
			onEvent(call, attempt, "error")
		}

		if toolErr != nil && !toolErr.Retryable() {
			return result
		}

		if attempt < e.config.MaxAttempts && e.config.RetryBackoff > 0 {
			select {
			case <-time.After(e.config.RetryBackoff):
			case <-ctx.Done():
				return models.ToolResult{CallID: call.ID, Success: false, Payload: "context canceled during retry backoff"}
			}
		}
	}
	return result
}

// executeOnce runs call once, wrapping it in a tool-execution span when a
// tracer is attached so a refuted call still shows up as an errored span
// rather than a silently-dropped one.
func (e *Executor) executeOnce(ctx context.Context, call models.ToolCall) (models.ToolResult, *ToolError) {
	if e.tracer == nil {
		return e.executeOnceTraced(ctx, call)
	}
	ctx, span := e.tracer.TraceToolExecution(ctx, call.FunctionName)
	defer span.End()
	result, toolErr := e.executeOnceTraced(ctx, call)
	if toolErr != nil {
		e.tracer.RecordError(span, toolErr)
	}
	return result, toolErr
}

func (e *Executor) executeOnceTraced(ctx context.Context, call models.ToolCall) (models.ToolResult, *ToolError) {
	tool, ok := e.registry.Get(call.FunctionName)
	if !ok {
		toolErr := &ToolError{Kind: ErrInvalidArguments, Cause: fmt.Errorf("unknown tool: %s", call.FunctionName)}
		return models.ToolResult{CallID: call.ID, Success: false, Payload: toolErr.Error()}, toolErr
	}

	if schema := tool.Schema(); schema != nil {
		if err := validateArguments(schema, call.Arguments); err != nil {
			toolErr := &ToolError{Kind: ErrInvalidArguments, Cause: err}
			return models.ToolResult{CallID: call.ID, Success: false, Payload: "invalid arguments: " + err.Error()}, toolErr
		}
	}

	toolCtx, cancel := context.WithTimeout(ctx, e.config.PerToolTimeout)
	defer cancel()

	type execOutcome struct {
		payload string
		err     error
	}
	outcome := make(chan execOutcome, 1)
	go func() {
		payload, err := tool.Execute(toolCtx, call.Arguments)
		select {
		case outcome <- execOutcome{payload: payload, err: err}:
		default:
		}
	}()

	select {
	case <-toolCtx.Done():
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
			toolErr := &ToolError{Kind: ErrTimeout, Cause: toolCtx.Err()}
			return models.ToolResult{CallID: call.ID, Success: false, Payload: "tool execution timed out"}, toolErr
		}
		toolErr := &ToolError{Kind: ErrExecutionFailed, Cause: toolCtx.Err()}
		return models.ToolResult{CallID: call.ID, Success: false, Payload: "tool execution canceled"}, toolErr
	case o := <-outcome:
		if o.err != nil {
			var toolErr *ToolError
			if !errors.As(o.err, &toolErr) {
				toolErr = &ToolError{Kind: ErrExecutionFailed, Cause: o.err}
			}
			return models.ToolResult{CallID: call.ID, Success: false, Payload: toolErr.Error()}, toolErr
		}
		return models.ToolResult{CallID: call.ID, Success: true, Payload: o.payload}, nil
	}
}

func validateArguments(schema *jsonschema.Schema, arguments string) error {
	if arguments == "" {
		arguments = "{}"
	}
	var v any
	if err := json.Unmarshal([]byte(arguments), &v); err != nil {
		return err
	}
	return schema.Validate(v)
}
