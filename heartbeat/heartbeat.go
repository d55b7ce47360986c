package heartbeat

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/taskengine/logging"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Beater refreshes the liveness timestamp of a running task.
type Beater interface {
	Heartbeat(ctx context.Context, id string) error
}

// Reclaimer fails running tasks whose liveness timestamp is too old.
type Reclaimer interface {
	ReclaimStale(ctx context.Context, timeout time.Duration, message string) ([]string, error)
}

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Store receives the heartbeat writes.
	Store Beater

	// TaskID is the running task to keep alive.
	TaskID string

	// Interval between heartbeats.
	// Default: 30 seconds
	Interval time.Duration

	// Logger for swallowed failures. Default: component "heartbeat".
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Store == nil {
		return ErrInvalidConfig
	}
	if c.TaskID == "" {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval: 30 * time.Second,
	}
}

// ReaperConfig configures stale task reclamation.
type ReaperConfig struct {
	// Store performs the reclaim update.
	Store Reclaimer

	// Timeout after which a running task without heartbeats is failed.
	// Should be several heartbeat intervals.
	// Default: 10 minutes
	Timeout time.Duration

	// Interval between sweeps.
	// Default: 60 seconds
	Interval time.Duration

	// Message stored on reclaimed tasks. Default: tasks.StaleMessage(Timeout).
	Message string

	// Logger for sweep results and failures. Default: component "reaper".
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *ReaperConfig) Validate() error {
	if c.Store == nil {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultReaperConfig returns configuration with sensible defaults.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Timeout:  10 * time.Minute,
		Interval: 60 * time.Second,
	}
}
