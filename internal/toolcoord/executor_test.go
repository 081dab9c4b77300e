package toolcoord

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/agentrt/pkg/models"
)

type fakeTool struct {
	name    string
	schema  *jsonschema.Schema
	execute func(ctx context.Context, arguments string) (string, error)
}

func (f *fakeTool) Name() string                     { return f.name }
func (f *fakeTool) Schema() *jsonschema.Schema        { return f.schema }
func (f *fakeTool) Execute(ctx context.Context, arguments string) (string, error) {
	return f.execute(ctx, arguments)
}

func TestExecuteConcurrentlySucceeds(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "echo", execute: func(ctx context.Context, args string) (string, error) {
		return "ok:" + args, nil
	}})
	ex := NewExecutor(reg, DefaultExecConfig())

	calls := []models.ToolCall{{ID: "c1", FunctionName: "echo", Arguments: `{"x":1}`}}
	results := ex.ExecuteConcurrently(context.Background(), calls, nil)
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("expected success, got %+v", results)
	}
}

func TestExecuteConcurrentlyUnknownTool(t *testing.T) {
	ex := NewExecutor(NewRegistry(), DefaultExecConfig())
	calls := []models.ToolCall{{ID: "c1", FunctionName: "missing", Arguments: "{}"}}
	results := ex.ExecuteConcurrently(context.Background(), calls, nil)
	if results[0].Success {
		t.Fatal("expected failure for unknown tool")
	}
}

func TestExecuteUnknownToolDoesNotRetry(t *testing.T) {
	var attempts int32
	ex := NewExecutor(NewRegistry(), DefaultExecConfig())
	var starts int
	onEvent := func(call models.ToolCall, attempt int, event string) {
		if event == "start" {
			atomic.AddInt32(&attempts, 1)
			starts++
		}
	}
	results := ex.ExecuteConcurrently(context.Background(), []models.ToolCall{{ID: "c1", FunctionName: "missing"}}, onEvent)
	if results[0].Success {
		t.Fatal("expected failure for unknown tool")
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable unknown-tool error, got %d", n)
	}
}

func TestExecuteInvalidArgumentsDoesNotRetry(t *testing.T) {
	var execCalls int32
	schema, err := jsonschema.CompileString("schema.json", `{
		"type": "object",
		"properties": {"query": {"type": "string"}},
		"required": ["query"]
	}`)
	if err != nil {
		t.Fatalf("CompileString() error = %v", err)
	}
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "search", schema: schema, execute: func(ctx context.Context, args string) (string, error) {
		atomic.AddInt32(&execCalls, 1)
		return "should not run", nil
	}})
	ex := NewExecutor(reg, DefaultExecConfig())

	results := ex.ExecuteConcurrently(context.Background(), []models.ToolCall{{ID: "c1", FunctionName: "search", Arguments: "{}"}}, nil)
	if results[0].Success {
		t.Fatal("expected schema validation to reject missing required field")
	}
	if atomic.LoadInt32(&execCalls) != 0 {
		t.Fatalf("expected Execute never called for invalid arguments, got %d calls", execCalls)
	}
}

func TestExecutePermissionErrorDoesNotRetry(t *testing.T) {
	var attempts int32
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "restricted", execute: func(ctx context.Context, args string) (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "", &ToolError{Kind: ErrPermission, Cause: errors.New("not allowed in this workspace")}
	}})
	ex := NewExecutor(reg, DefaultExecConfig())

	results := ex.ExecuteConcurrently(context.Background(), []models.ToolCall{{ID: "c1", FunctionName: "restricted"}}, nil)
	if results[0].Success {
		t.Fatal("expected permission error to fail the call")
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable permission error, got %d", n)
	}
}

func TestExecuteTimeoutIsRetryable(t *testing.T) {
	var attempts int32
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "slow", execute: func(ctx context.Context, args string) (string, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "ok", nil
	}})
	cfg := DefaultExecConfig()
	cfg.PerToolTimeout = 5 * time.Millisecond
	cfg.RetryBackoff = time.Millisecond
	ex := NewExecutor(reg, cfg)

	results := ex.ExecuteConcurrently(context.Background(), []models.ToolCall{{ID: "c1", FunctionName: "slow"}}, nil)
	if !results[0].Success {
		t.Fatalf("expected the retried call to eventually succeed, got %+v", results[0])
	}
	if n := atomic.LoadInt32(&attempts); n != 2 {
		t.Fatalf("expected 2 attempts (timeout then success), got %d", n)
	}
}

func TestExecuteRetryReplacesNotAppends(t *testing.T) {
	var attempts int32
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "flaky", execute: func(ctx context.Context, args string) (string, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return "", errors.New("transient failure")
		}
		return "ok", nil
	}})
	cfg := DefaultExecConfig()
	cfg.RetryBackoff = time.Millisecond
	ex := NewExecutor(reg, cfg)

	calls := []models.ToolCall{{ID: "c1", FunctionName: "flaky", Arguments: "{}"}}
	results := ex.ExecuteConcurrently(context.Background(), calls, nil)
	if len(results) != 1 {
		t.Fatalf("expected exactly one result slot for the retried call, got %d", len(results))
	}
	if !results[0].Success || results[0].Payload != "ok" {
		t.Fatalf("expected the final retry's result to win, got %+v", results[0])
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestExecuteExhaustsMaxAttempts(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "alwaysfails", execute: func(ctx context.Context, args string) (string, error) {
		return "", errors.New("nope")
	}})
	cfg := DefaultExecConfig()
	cfg.MaxAttempts = 2
	cfg.RetryBackoff = time.Millisecond
	ex := NewExecutor(reg, cfg)

	results := ex.ExecuteConcurrently(context.Background(), []models.ToolCall{{ID: "c1", FunctionName: "alwaysfails"}}, nil)
	if results[0].Success {
		t.Fatal("expected failure after exhausting retries")
	}
}

func TestExecuteSchemaValidationRejectsBadArguments(t *testing.T) {
	schema, err := jsonschema.CompileString("schema.json", `{
		"type": "object",
		"properties": {"query": {"type": "string"}},
		"required": ["query"]
	}`)
	if err != nil {
		t.Fatalf("CompileString() error = %v", err)
	}
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "search", schema: schema, execute: func(ctx context.Context, args string) (string, error) {
		return "should not run", nil
	}})
	ex := NewExecutor(reg, DefaultExecConfig())

	results := ex.ExecuteConcurrently(context.Background(), []models.ToolCall{{ID: "c1", FunctionName: "search", Arguments: "{}"}}, nil)
	if results[0].Success {
		t.Fatal("expected schema validation to reject missing required field")
	}
}

func TestExecuteConcurrentlyPreservesOrder(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "echo", execute: func(ctx context.Context, args string) (string, error) {
		return args, nil
	}})
	ex := NewExecutor(reg, DefaultExecConfig())

	calls := []models.ToolCall{
		{ID: "c1", FunctionName: "echo", Arguments: "1"},
		{ID: "c2", FunctionName: "echo", Arguments: "2"},
		{ID: "c3", FunctionName: "echo", Arguments: "3"},
	}
	results := ex.ExecuteConcurrently(context.Background(), calls, nil)
	for i, r := range results {
		if r.CallID != calls[i].ID {
			t.Fatalf("result %d has call id %q, want %q (order must match input)", i, r.CallID, calls[i].ID)
		}
	}
}

func TestExecuteRespectsPerToolTimeout(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "slow", execute: func(ctx context.Context, args string) (string, error) {
		select {
		case <-time.After(time.Second):
			return "too slow", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}})
	cfg := DefaultExecConfig()
	cfg.PerToolTimeout = 10 * time.Millisecond
	cfg.MaxAttempts = 1
	ex := NewExecutor(reg, cfg)

	results := ex.ExecuteConcurrently(context.Background(), []models.ToolCall{{ID: "c1", FunctionName: "slow"}}, nil)
	if results[0].Success {
		t.Fatal("expected timeout to fail the call")
	}
}
