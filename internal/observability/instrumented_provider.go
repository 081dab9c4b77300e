package observability

import (
	"context"
	"time"

	"github.com/haasonsaas/agentrt/internal/llm"
)

// InstrumentedProvider wraps an llm.Provider with metrics and tracing,
// recording one LLM request span/metric per Stream call.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *Metrics
	tracer  *Tracer
}

// NewInstrumentedProvider wraps inner so every Stream call is traced and
// recorded against metrics. Either metrics or tracer may be nil to skip
// that half of the instrumentation.
func NewInstrumentedProvider(inner llm.Provider, metrics *Metrics, tracer *Tracer) *InstrumentedProvider {
	return &InstrumentedProvider{inner: inner, metrics: metrics, tracer: tracer}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	start := time.Now()

	if p.tracer != nil {
		var span interface{ End() }
		ctx, span = p.tracer.TraceLLMRequest(ctx, p.inner.Name(), req.Model)
		defer span.End()
	}

	upstream, err := p.inner.Stream(ctx, req)
	if err != nil {
		p.record(req.Model, "error", time.Since(start), 0, 0)
		return nil, err
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		status := "success"
		var usage struct{ prompt, completion int }
		for chunk := range upstream {
			if chunk.Kind == llm.ChunkDone {
				usage.prompt = int(chunk.Usage.PromptTokens)
				usage.completion = int(chunk.Usage.CompletionTokens)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				status = "cancelled"
				return
			}
		}
		p.record(req.Model, status, time.Since(start), usage.prompt, usage.completion)
	}()
	return out, nil
}

func (p *InstrumentedProvider) record(model, status string, elapsed time.Duration, tokens ...int) {
	if p.metrics == nil {
		return
	}
	prompt, completion := 0, 0
	if len(tokens) == 2 {
		prompt, completion = tokens[0], tokens[1]
	}
	p.metrics.RecordLLMRequest(p.inner.Name(), model, status, elapsed.Seconds(), prompt, completion)
}
