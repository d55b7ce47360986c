package shutdown

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/taskengine/logging"
)

// Common errors.
var (
	// ErrAlreadyShutdown indicates shutdown was already initiated.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Phases used by the worker process. Lower phases run first; handlers
// within a phase run concurrently.
const (
	// PhaseStopClaims stops the scheduler from claiming new tasks.
	PhaseStopClaims = 10

	// PhaseDrain waits for the in-flight task to finish within the grace period.
	PhaseDrain = 20

	// PhaseBackground stops the reaper and the relay.
	PhaseBackground = 30

	// PhaseServer stops the HTTP server.
	PhaseServer = 40

	// PhaseConnections closes the bus, the database pool and exporters.
	PhaseConnections = 50
)

// Handler is implemented by components that need graceful shutdown.
type Handler interface {
	// OnShutdown is called when shutdown reaches the handler's phase.
	// The context is cancelled when the overall timeout is reached.
	OnShutdown(ctx context.Context) error
}

// Func is a convenience type for simple shutdown functions.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult contains the result of a single handler's shutdown.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result contains the complete shutdown result.
type Result struct {
	// TotalDuration of the entire shutdown process.
	TotalDuration time.Duration

	// Results for each handler that ran.
	Results []HandlerResult

	// Err is the overall error (nil if all handlers succeeded).
	Err error
}

// Failed returns true if any handler failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the shutdown coordinator.
type Config struct {
	// Timeout bounds the whole shutdown when triggered by a signal.
	// It should exceed the engine's drain grace period.
	// Default: 45 seconds
	Timeout time.Duration

	// DefaultPhase is assigned to handlers registered without a phase.
	// Default: PhaseConnections
	DefaultPhase int

	// ContinueOnError determines whether later phases still run after a
	// handler fails.
	// Default: true
	ContinueOnError bool

	// Logger receives one line per completed handler. Nil disables logging.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         45 * time.Second,
		DefaultPhase:    PhaseConnections,
		ContinueOnError: true,
	}
}

// registration holds a registered handler with its metadata.
type registration struct {
	name    string
	handler Handler
	phase   int
}
