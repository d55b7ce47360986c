package tasks

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	// ErrTaskNotFound indicates the requested task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotRunning indicates a terminal transition was attempted on a task
	// that is not running (already completed, failed, or reclaimed).
	ErrNotRunning = errors.New("task not running")

	// ErrInvalidTask indicates the task is missing required fields.
	ErrInvalidTask = errors.New("invalid task")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store closed")
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StaleMessage is the error stored on a task failed by stale reclamation.
func StaleMessage(timeout time.Duration) string {
	return "Task heartbeat expired: worker stopped responding (stale for more than " + timeout.String() + ")"
}

// Task represents one queued unit of work.
type Task struct {
	ID       string         `json:"id"`
	OwnerID  string         `json:"owner_id"`
	Workflow string         `json:"workflow"`
	Status   Status         `json:"status"`
	Input    map[string]any `json:"input"`

	// Output and Error are mutually exclusive and set once at a terminal state.
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`

	TraceLog []TraceStep `json:"trace_log"`

	// Associations used to route results back to a surface.
	NodeID         string `json:"node_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	MemberID       string `json:"member_id,omitempty"`
	ChannelID      string `json:"channel_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Clone creates a deep copy of the task. Input and Output maps are copied
// one level deep; nested values are shared.
func (t *Task) Clone() *Task {
	clone := *t
	clone.Input = copyMap(t.Input)
	clone.Output = copyMap(t.Output)
	if t.TraceLog != nil {
		clone.TraceLog = make([]TraceStep, len(t.TraceLog))
		copy(clone.TraceLog, t.TraceLog)
	}
	clone.StartedAt = copyTime(t.StartedAt)
	clone.HeartbeatAt = copyTime(t.HeartbeatAt)
	clone.CompletedAt = copyTime(t.CompletedAt)
	return &clone
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Store is the durable task queue.
type Store interface {
	// Claim atomically moves the oldest pending task to running and returns it.
	// workflows restricts the candidates when non-empty.
	// Returns nil, nil when no unlocked pending task exists.
	Claim(ctx context.Context, workflows []string) (*Task, error)

	// Heartbeat sets heartbeat_at to now on a running task.
	Heartbeat(ctx context.Context, id string) error

	// Complete moves a running task to completed with the given output.
	// Returns ErrNotRunning if the task is no longer running.
	Complete(ctx context.Context, id string, output map[string]any) error

	// Fail moves a running task to failed with the given message.
	// Returns ErrNotRunning if the task is no longer running.
	Fail(ctx context.Context, id string, message string) error

	// SetTraceLog replaces the trace log of a task.
	SetTraceLog(ctx context.Context, id string, steps []TraceStep) error

	// ReclaimStale fails every running task whose heartbeat is older than
	// timeout and returns their ids.
	ReclaimStale(ctx context.Context, timeout time.Duration, message string) ([]string, error)

	// Get retrieves a task by id.
	// Returns ErrTaskNotFound if the task does not exist.
	Get(ctx context.Context, id string) (*Task, error)

	// Enqueue inserts a pending task and returns its id. Producers use this;
	// the engine never does.
	Enqueue(ctx context.Context, task Task) (string, error)
}
