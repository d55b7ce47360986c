package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed          = errors.New("limiter closed")
	ErrResourceUnknown = errors.New("unknown resource")
)

// Resources limited by a worker process.
const (
	// ResourceLLM covers every language-model call made by workflows.
	ResourceLLM = "llm"

	// ResourceHTTPTool covers outbound calls made by configured HTTP tools.
	ResourceHTTPTool = "http_tool"
)

// Limiter budgets calls to shared outbound resources within one process.
type Limiter interface {
	// Acquire blocks until a token is available for the resource.
	// Returns the context error if ctx ends first, ErrResourceUnknown if
	// the resource has no configured capacity.
	Acquire(ctx context.Context, resource string) error

	// TryAcquire takes a token without blocking.
	TryAcquire(resource string) bool

	// Release marks one acquired call as finished. Tokens are not returned;
	// only the in-flight count changes.
	Release(resource string)

	// SetCapacity allows capacity calls per window. capacity <= 0 removes
	// the limit.
	SetCapacity(resource string, capacity int, window time.Duration)

	// Reduce lowers capacity by a quarter after the upstream pushed back
	// (e.g. an HTTP 429). Capacity never drops below 1.
	Reduce(resource string, reason string)

	// Capacity returns a snapshot, or nil if the resource is unknown.
	Capacity(resource string) *Capacity

	// Close wakes all waiters with ErrClosed.
	Close() error
}

// Capacity is a snapshot of one resource's bucket.
type Capacity struct {
	Resource  string
	Available int
	Total     int
	Window    time.Duration
	InFlight  int

	// Reductions counts Reduce calls since the capacity was last set.
	Reductions int
	LastReason string
}
