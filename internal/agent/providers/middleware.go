package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/stewardai/steward/internal/agent"
	"github.com/stewardai/steward/internal/observability"
	"github.com/stewardai/steward/internal/ratelimit"
)

// RateLimited wraps a provider with sliding-window admission control.
// Requests are keyed by provider and model; rejected calls fail with a
// rate-limit error carrying the window reset as the retry hint, so the
// retry layer waits out the window instead of hammering it.
func RateLimited(p agent.Provider, limiter *ratelimit.Limiter, metrics *observability.Metrics) agent.Provider {
	return &rateLimitedProvider{inner: p, limiter: limiter, metrics: metrics}
}

type rateLimitedProvider struct {
	inner   agent.Provider
	limiter *ratelimit.Limiter
	metrics *observability.Metrics
}

func (p *rateLimitedProvider) Name() string          { return p.inner.Name() }
func (p *rateLimitedProvider) Models() []agent.Model { return p.inner.Models() }
func (p *rateLimitedProvider) SupportsTools() bool   { return p.inner.SupportsTools() }

func (p *rateLimitedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	key := ratelimit.CompositeKey(p.inner.Name(), req.Model)
	decision := p.limiter.Allow(key)
	if p.metrics != nil {
		p.metrics.RecordRateLimit(key, decision.Allowed)
	}
	if !decision.Allowed {
		perr := NewProviderError(p.inner.Name(), req.Model, fmt.Errorf("local rate limit exceeded for %s", key)).
			WithStatus(http.StatusTooManyRequests).
			WithRetryAfter(time.Duration(decision.ResetMs) * time.Millisecond)
		return nil, perr.Tagged()
	}
	return p.inner.Complete(ctx, req)
}

// Instrumented wraps a provider with Prometheus metrics: one observation
// per call covering latency, outcome, and token usage.
func Instrumented(p agent.Provider, metrics *observability.Metrics) agent.Provider {
	if metrics == nil {
		return p
	}
	return &instrumentedProvider{inner: p, metrics: metrics}
}

type instrumentedProvider struct {
	inner   agent.Provider
	metrics *observability.Metrics
}

func (p *instrumentedProvider) Name() string          { return p.inner.Name() }
func (p *instrumentedProvider) Models() []agent.Model { return p.inner.Models() }
func (p *instrumentedProvider) SupportsTools() bool   { return p.inner.SupportsTools() }

func (p *instrumentedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	start := time.Now()
	inner, err := p.inner.Complete(ctx, req)
	if err != nil {
		p.metrics.RecordLLMRequest(p.inner.Name(), req.Model, "error", time.Since(start).Seconds(), 0, 0)
		return nil, err
	}

	out := make(chan *agent.CompletionChunk)
	go func() {
		defer close(out)
		status := "success"
		var prompt, completion int
		for chunk := range inner {
			if chunk.Error != nil {
				status = "error"
			}
			if chunk.Done {
				prompt = chunk.InputTokens
				completion = chunk.OutputTokens
			}
			out <- chunk
		}
		p.metrics.RecordLLMRequest(p.inner.Name(), req.Model, status, time.Since(start).Seconds(), prompt, completion)
	}()
	return out, nil
}
