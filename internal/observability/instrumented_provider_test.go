package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/agentrt/internal/llm"
	"github.com/haasonsaas/agentrt/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type stubProvider struct {
	name    string
	chunks  []llm.Chunk
	err     error
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(chan llm.Chunk, len(s.chunks))
	for _, c := range s.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func newTestMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	return &Metrics{
		LLMRequestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{Name: "t_llm_request_duration_seconds"},
			[]string{"provider", "model"}),
		LLMRequestCounter: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{Name: "t_llm_requests_total"},
			[]string{"provider", "model", "status"}),
		LLMTokensUsed: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{Name: "t_llm_tokens_total"},
			[]string{"provider", "model", "type"}),
	}
}

func TestInstrumentedProviderRecordsSuccess(t *testing.T) {
	inner := &stubProvider{
		name: "anthropic",
		chunks: []llm.Chunk{
			{Kind: llm.ChunkToken, Token: "hi"},
			{Kind: llm.ChunkDone, Usage: models.Usage{PromptTokens: 10, CompletionTokens: 5}},
		},
	}
	metrics := newTestMetrics()
	p := NewInstrumentedProvider(inner, metrics, nil)

	out, err := p.Stream(context.Background(), llm.Request{Model: "claude-3-opus"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	var gotDone bool
	for c := range out {
		if c.Kind == llm.ChunkDone {
			gotDone = true
		}
	}
	if !gotDone {
		t.Fatal("expected to drain a ChunkDone from the wrapped stream")
	}

	if count := testutil.CollectAndCount(metrics.LLMRequestCounter); count < 1 {
		t.Error("expected LLM request to be recorded")
	}
	if count := testutil.CollectAndCount(metrics.LLMTokensUsed); count < 2 {
		t.Error("expected prompt and completion token counters to be recorded")
	}
}

func TestInstrumentedProviderRecordsTransportError(t *testing.T) {
	inner := &stubProvider{name: "anthropic", err: errors.New("connection refused")}
	metrics := newTestMetrics()
	p := NewInstrumentedProvider(inner, metrics, nil)

	_, err := p.Stream(context.Background(), llm.Request{Model: "claude-3-opus"})
	if err == nil {
		t.Fatal("expected error from wrapped provider")
	}

	if count := testutil.CollectAndCount(metrics.LLMRequestCounter); count < 1 {
		t.Error("expected the failed request to be recorded")
	}
}

func TestInstrumentedProviderName(t *testing.T) {
	inner := &stubProvider{name: "openai"}
	p := NewInstrumentedProvider(inner, nil, nil)
	if p.Name() != "openai" {
		t.Errorf("Name() = %q, want %q", p.Name(), "openai")
	}
}
