package tasks

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	order  map[string]uint64 // insertion sequence, FIFO tie-break
	seq    uint64
	now    func() time.Time
	closed atomic.Bool
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock sets the time source used for timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		tasks: make(map[string]*Task),
		order: make(map[string]uint64),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue inserts a pending task.
func (s *MemoryStore) Enqueue(ctx context.Context, task Task) (string, error) {
	if s.closed.Load() {
		return "", ErrStoreClosed
	}
	if task.Workflow == "" {
		return "", ErrInvalidTask
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := s.now()
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Input == nil {
		task.Input = map[string]any{}
	}
	if task.TraceLog == nil {
		task.TraceLog = []TraceStep{}
	}

	s.seq++
	s.tasks[task.ID] = task.Clone()
	s.order[task.ID] = s.seq
	return task.ID, nil
}

// Claim moves the oldest matching pending task to running.
func (s *MemoryStore) Claim(ctx context.Context, workflows []string) (*Task, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := make(map[string]bool, len(workflows))
	for _, w := range workflows {
		allowed[w] = true
	}

	var candidates []*Task
	for _, t := range s.tasks {
		if t.Status != StatusPending {
			continue
		}
		if len(allowed) > 0 && !allowed[t.Workflow] {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return s.order[a.ID] < s.order[b.ID]
	})

	t := candidates[0]
	now := s.now()
	t.Status = StatusRunning
	t.StartedAt = &now
	hb := now
	t.HeartbeatAt = &hb
	t.UpdatedAt = now
	return t.Clone(), nil
}

// Heartbeat refreshes heartbeat_at on a running task.
func (s *MemoryStore) Heartbeat(ctx context.Context, id string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status != StatusRunning {
		return ErrNotRunning
	}
	now := s.now()
	t.HeartbeatAt = &now
	t.UpdatedAt = now
	return nil
}

// Complete moves a running task to completed.
func (s *MemoryStore) Complete(ctx context.Context, id string, output map[string]any) error {
	return s.finish(id, StatusCompleted, output, "")
}

// Fail moves a running task to failed.
func (s *MemoryStore) Fail(ctx context.Context, id string, message string) error {
	return s.finish(id, StatusFailed, nil, message)
}

func (s *MemoryStore) finish(id string, status Status, output map[string]any, message string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status != StatusRunning {
		return ErrNotRunning
	}
	now := s.now()
	t.Status = status
	if status == StatusCompleted {
		if output == nil {
			output = map[string]any{}
		}
		t.Output = copyMap(output)
	} else {
		t.Error = message
	}
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

// SetTraceLog replaces the trace log of a task.
func (s *MemoryStore) SetTraceLog(ctx context.Context, id string, steps []TraceStep) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.TraceLog = make([]TraceStep, len(steps))
	copy(t.TraceLog, steps)
	t.UpdatedAt = s.now()
	return nil
}

// ReclaimStale fails running tasks whose heartbeat is older than timeout.
func (s *MemoryStore) ReclaimStale(ctx context.Context, timeout time.Duration, message string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-timeout)
	var ids []string
	for id, t := range s.tasks {
		if t.Status != StatusRunning || t.HeartbeatAt == nil {
			continue
		}
		if !t.HeartbeatAt.Before(cutoff) {
			continue
		}
		completed := now
		t.Status = StatusFailed
		t.Error = message
		t.CompletedAt = &completed
		t.UpdatedAt = now
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Get returns a copy of the task.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Task, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

var _ Store = (*MemoryStore)(nil)
