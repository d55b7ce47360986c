// Package ratelimit budgets outbound calls made while tasks run.
//
// Each worker process holds one MemoryLimiter. The llm package waits on
// ResourceLLM before every model call and the tools package waits on
// ResourceHTTPTool before every configured HTTP call. Limits are per
// process; with several workers the effective budget is the sum.
//
//	limiter := ratelimit.NewMemoryLimiter()
//	limiter.SetCapacity(ratelimit.ResourceLLM, 60, time.Minute)
//
//	if err := limiter.Acquire(ctx, ratelimit.ResourceLLM); err != nil {
//	    return err
//	}
//	defer limiter.Release(ratelimit.ResourceLLM)
//
// Buckets start full and refill continuously at capacity/window. When a
// provider answers 429 the caller invokes Reduce, which lowers capacity
// by a quarter until SetCapacity is called again.
package ratelimit
