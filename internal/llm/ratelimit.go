package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedProvider wraps an LLMProvider with a token-bucket admission
// gate. Every call (complete, streaming, or tool-calling) waits on the
// limiter before reaching the inner provider, bounding how many requests
// the process sends to the upstream endpoint per second regardless of how
// many sessions are running concurrently.
//
// This stands in for the connection-pool admission control a production
// deployment would otherwise need in front of a shared, rate-limited LLM
// endpoint: without it, a burst of concurrent agent sessions can blow past
// the endpoint's own rate limit and start failing requests outright.
type RateLimitedProvider struct {
	inner   LLMProvider
	limiter *rate.Limiter
}

// NewRateLimitedProvider builds a decorator admitting at most r requests
// per second, with bursts up to burst requests. A burst of 1 with a low r
// effectively serializes calls; a higher burst lets short spikes through
// without waiting.
func NewRateLimitedProvider(inner LLMProvider, r rate.Limit, burst int) *RateLimitedProvider {
	return &RateLimitedProvider{
		inner:   inner,
		limiter: rate.NewLimiter(r, burst),
	}
}

func (p *RateLimitedProvider) CallLLM(ctx context.Context, messages []Message) (Message, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Message{}, err
	}
	return p.inner.CallLLM(ctx, messages)
}

func (p *RateLimitedProvider) CallLLMStream(ctx context.Context, messages []Message, onChunk StreamCallback) (Message, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Message{}, err
	}
	return p.inner.CallLLMStream(ctx, messages, onChunk)
}

func (p *RateLimitedProvider) CallLLMWithTools(ctx context.Context, messages []Message, tools []ToolDefinition) (Message, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Message{}, err
	}
	return p.inner.CallLLMWithTools(ctx, messages, tools)
}

func (p *RateLimitedProvider) GetName() string {
	return p.inner.GetName()
}
