package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// bucket is a token bucket refilled continuously at capacity/window.
type bucket struct {
	capacity   int
	tokens     float64
	window     time.Duration
	lastRefill time.Time
	inFlight   int
	reductions int
	lastReason string
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens += float64(b.capacity) * float64(elapsed) / float64(b.window)
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
	b.lastRefill = now
}

// wait returns how long until one whole token is available.
func (b *bucket) wait() time.Duration {
	missing := 1 - b.tokens
	if missing <= 0 {
		return 0
	}
	d := time.Duration(math.Ceil(missing * float64(b.window) / float64(b.capacity)))
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// MemoryLimiter is a process-local Limiter. It is safe for concurrent use.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	closed  chan struct{}
	nowFunc func() time.Time
}

// NewMemoryLimiter creates an empty limiter. Resources are unknown until
// SetCapacity is called.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		closed:  make(chan struct{}),
		nowFunc: time.Now,
	}
}

// PerMinute builds a limiter with one resource allowing n calls per minute.
// n <= 0 returns nil, meaning unlimited.
func PerMinute(resource string, n int) *MemoryLimiter {
	if n <= 0 {
		return nil
	}
	l := NewMemoryLimiter()
	l.SetCapacity(resource, n, time.Minute)
	return l
}

func (m *MemoryLimiter) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// SetCapacity implements Limiter.
func (m *MemoryLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isClosed() {
		return
	}
	if capacity <= 0 || window <= 0 {
		delete(m.buckets, resource)
		return
	}

	now := m.nowFunc()
	if b, ok := m.buckets[resource]; ok {
		b.refill(now)
		b.capacity = capacity
		b.window = window
		b.reductions = 0
		b.lastReason = ""
		if b.tokens > float64(capacity) {
			b.tokens = float64(capacity)
		}
		return
	}
	m.buckets[resource] = &bucket{
		capacity:   capacity,
		tokens:     float64(capacity),
		window:     window,
		lastRefill: now,
	}
}

// Capacity implements Limiter.
func (m *MemoryLimiter) Capacity(resource string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[resource]
	if !ok {
		return nil
	}
	b.refill(m.nowFunc())
	return &Capacity{
		Resource:   resource,
		Available:  int(b.tokens),
		Total:      b.capacity,
		Window:     b.window,
		InFlight:   b.inFlight,
		Reductions: b.reductions,
		LastReason: b.lastReason,
	}
}

// take consumes a token if one is available, otherwise reports the wait.
func (m *MemoryLimiter) take(resource string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isClosed() {
		return 0, ErrClosed
	}
	b, ok := m.buckets[resource]
	if !ok {
		return 0, ErrResourceUnknown
	}
	b.refill(m.nowFunc())
	if b.tokens >= 1 {
		b.tokens--
		b.inFlight++
		return 0, nil
	}
	return b.wait(), nil
}

// Acquire implements Limiter.
func (m *MemoryLimiter) Acquire(ctx context.Context, resource string) error {
	for {
		wait, err := m.take(resource)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.closed:
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}
	}
}

// TryAcquire implements Limiter.
func (m *MemoryLimiter) TryAcquire(resource string) bool {
	wait, err := m.take(resource)
	return err == nil && wait == 0
}

// Release implements Limiter.
func (m *MemoryLimiter) Release(resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.buckets[resource]; ok && b.inFlight > 0 {
		b.inFlight--
	}
}

// Reduce implements Limiter.
func (m *MemoryLimiter) Reduce(resource string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[resource]
	if !ok {
		return
	}
	b.refill(m.nowFunc())
	reduced := int(float64(b.capacity) * 0.75)
	if reduced < 1 {
		reduced = 1
	}
	b.capacity = reduced
	if b.tokens > float64(reduced) {
		b.tokens = float64(reduced)
	}
	b.reductions++
	b.lastReason = reason
}

// Close implements Limiter.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isClosed() {
		return ErrClosed
	}
	close(m.closed)
	return nil
}

var _ Limiter = (*MemoryLimiter)(nil)
