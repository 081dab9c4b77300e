package llm

import (
	"context"
	"fmt"

	"github.com/haasonsaas/agentrt/internal/ratelimit"
)

// RateLimitedProvider wraps a Provider with a token-bucket limiter, so the
// runtime self-throttles outbound requests to an upstream that doesn't
// advertise its own limits up front. A request that arrives faster than
// the configured rate is rejected as a RateLimit ProviderError carrying
// the bucket's current wait time as RetryAfter, rather than blocking —
// the Agent Loop's retry policy decides whether and how long to wait.
type RateLimitedProvider struct {
	inner   Provider
	limiter *ratelimit.Limiter
}

// NewRateLimitedProvider wraps inner with a limiter built from config.
// Passing a disabled config (Enabled == false) makes Stream a no-op
// passthrough.
func NewRateLimitedProvider(inner Provider, config ratelimit.Config) *RateLimitedProvider {
	return &RateLimitedProvider{inner: inner, limiter: ratelimit.NewLimiter(config)}
}

func (p *RateLimitedProvider) Name() string { return p.inner.Name() }

func (p *RateLimitedProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	key := ratelimit.CompositeKey(p.inner.Name(), req.Model)
	if !p.limiter.Allow(key) {
		status := p.limiter.GetStatus(key)
		return nil, &ProviderError{
			Kind:       ErrRateLimit,
			Provider:   p.inner.Name(),
			Model:      req.Model,
			RetryAfter: status.WaitTime,
			Cause:      fmt.Errorf("self-imposed rate limit: %.1f tokens remaining for %s", status.TokensRemaining, key),
		}
	}
	return p.inner.Stream(ctx, req)
}
