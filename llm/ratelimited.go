package llm

import (
	"context"
	"errors"

	taskerrors "github.com/vinayprograms/taskengine/errors"
	"github.com/vinayprograms/taskengine/ratelimit"
)

// RateLimitedProvider takes a ratelimit.ResourceLLM token before every call
// and lowers the budget when the provider reports a rate limit.
type RateLimitedProvider struct {
	provider Provider
	limiter  ratelimit.Limiter
}

// WithRateLimit wraps p. A nil limiter returns p unchanged.
func WithRateLimit(p Provider, limiter ratelimit.Limiter) Provider {
	if limiter == nil {
		return p
	}
	return &RateLimitedProvider{provider: p, limiter: limiter}
}

// Chat implements Provider.
func (r *RateLimitedProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := r.limiter.Acquire(ctx, ratelimit.ResourceLLM); err != nil {
		if !errors.Is(err, ratelimit.ErrResourceUnknown) {
			return nil, taskerrors.Wrap(err, "waiting for llm rate limit")
		}
	} else {
		defer r.limiter.Release(ratelimit.ResourceLLM)
	}

	resp, err := r.provider.Chat(ctx, req)
	if taskerrors.Is(err, taskerrors.ErrCodeRateLimit) {
		r.limiter.Reduce(ratelimit.ResourceLLM, err.Error())
	}
	return resp, err
}
