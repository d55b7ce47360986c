// Package engine claims queued tasks and dispatches them to workflow handlers.
//
// An Engine is built once per process. Handlers are registered by workflow
// name before Run starts; the allow-list restricts which workflows this
// process claims so worker pools can be sharded by workflow.
package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskengine/bus"
	"github.com/vinayprograms/taskengine/errors"
	"github.com/vinayprograms/taskengine/heartbeat"
	"github.com/vinayprograms/taskengine/logging"
	"github.com/vinayprograms/taskengine/security"
	"github.com/vinayprograms/taskengine/tasks"
	"github.com/vinayprograms/taskengine/telemetry"
)

// Common errors.
var (
	ErrAlreadyRunning = stderrors.New("engine already running")
	ErrGraceExpired   = stderrors.New("shutdown grace period expired with tasks in flight")
)

// Input keys merged from the task row into a handler's input.
const (
	InputNodeID         = "node_id"
	InputConversationID = "conversation_id"
	InputMemberID       = "member_id"
	InputChannelID      = "channel_id"
)

// TaskContext is what a handler sees of the claimed task.
type TaskContext struct {
	TaskID   string
	Workflow string
	NodeID   string
	OwnerID  string

	// Input is the task input with the row's conversation, member, channel
	// and node ids merged in.
	Input map[string]any
}

// Handler runs one workflow. An output carrying an "error" key is a handled
// failure; a returned error or a panic is an unhandled one. Both fail the
// task.
type Handler func(ctx context.Context, tc TaskContext) (map[string]any, error)

// Engine owns the handler registry, the workflow allow-list and the
// scheduler loop of one worker process.
type Engine struct {
	store  tasks.Store
	bus    bus.MessageBus
	logger *logging.Logger
	tracer *telemetry.Tracer

	redactor          *security.Redactor
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	workerID          string

	mu       sync.RWMutex
	handlers map[string]Handler
	allowed  []string

	started  atomic.Bool
	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// abort cancels the detached task context; set by Run under mu.
	abort context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithPollInterval sets the fallback poll interval. Default: 5s.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithHeartbeatInterval sets the per-task heartbeat interval. Default: 30s.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.heartbeatInterval = d
		}
	}
}

// WithTracer sets the tracer. Default: the global tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithTraceTextMax sets the truncation length for persisted output and
// error text.
func WithTraceTextMax(n int) Option {
	return func(e *Engine) { e.redactor = security.NewRedactor(n) }
}

// WithWorkerID names this process in logs.
func WithWorkerID(id string) Option {
	return func(e *Engine) { e.workerID = id }
}

// New creates an engine. b may be nil, in which case the scheduler only
// polls.
func New(store tasks.Store, b bus.MessageBus, logger *logging.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = logging.New()
	}
	e := &Engine{
		store:             store,
		bus:               b,
		redactor:          security.NewRedactor(security.DefaultMaxLen),
		pollInterval:      5 * time.Second,
		heartbeatInterval: 30 * time.Second,
		handlers:          make(map[string]Handler),
		wake:              make(chan struct{}, 1),
		stopCh:            make(chan struct{}),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logger.WithComponent("engine")
	if e.tracer == nil {
		e.tracer = telemetry.GetTracer()
	}
	return e
}

// RegisterHandler binds a workflow name to its handler, replacing any
// previous registration.
func (e *Engine) RegisterHandler(name string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = h
}

// Handlers returns the registered workflow names, sorted.
func (e *Engine) Handlers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetAllowedWorkflows restricts claiming to names. nil or empty allows all.
func (e *Engine) SetAllowedWorkflows(names []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(names) == 0 {
		e.allowed = nil
		return
	}
	e.allowed = append([]string(nil), names...)
}

func (e *Engine) handler(name string) Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handlers[name]
}

// ClaimOne claims the oldest pending task this process may run. It returns
// nil, nil when the queue has nothing claimable.
func (e *Engine) ClaimOne(ctx context.Context) (*tasks.Task, error) {
	e.mu.RLock()
	allowed := e.allowed
	e.mu.RUnlock()

	t, err := e.store.Claim(ctx, allowed)
	if err != nil {
		return nil, errors.StoreUnavailable("claim task", err)
	}
	if t != nil {
		e.logger.TaskClaimed(t.ID, t.Workflow)
	}
	return t, nil
}

// RunTask executes a claimed task to a terminal state. It never panics and
// only returns an error to report how the task ended; the row has already
// been updated by then.
func (e *Engine) RunTask(ctx context.Context, t *tasks.Task) error {
	start := time.Now()
	ctx, span := e.tracer.StartTaskSpan(ctx, t.ID, t.Workflow, t.OwnerID)

	h := e.handler(t.Workflow)
	if h == nil {
		err := errors.UnknownWorkflow(t.ID, t.Workflow)
		e.fail(ctx, t, start, err.Message())
		e.tracer.EndTaskSpan(span, string(tasks.StatusFailed), err)
		return err
	}

	hb, err := heartbeat.Start(ctx, heartbeat.SenderConfig{
		Store:    e.store,
		TaskID:   t.ID,
		Interval: e.heartbeatInterval,
		Logger:   e.logger.WithComponent("heartbeat"),
	})
	if err != nil {
		e.logger.Warn("heartbeat not started", map[string]interface{}{"task": t.ID, "error": err.Error()})
	} else {
		defer hb.Stop()
	}

	output, err := e.dispatch(ctx, h, taskContext(t))
	if err != nil {
		msg := e.redactor.String(err.Error())
		e.fail(ctx, t, start, msg)
		e.tracer.EndTaskSpan(span, string(tasks.StatusFailed), err)
		return errors.HandlerFailed(t.ID, msg, errors.WithWorkflow(t.Workflow), errors.WithCause(err))
	}

	if reported, ok := output["error"]; ok && reported != nil {
		msg := e.redactor.String(fmt.Sprint(reported))
		e.fail(ctx, t, start, msg)
		failure := errors.HandlerFailed(t.ID, msg, errors.WithWorkflow(t.Workflow))
		e.tracer.EndTaskSpan(span, string(tasks.StatusFailed), failure)
		return failure
	}

	if err := e.store.Complete(ctx, t.ID, e.redactor.Map(output)); err != nil {
		e.terminalWriteFailed(t, "complete", err)
		e.tracer.EndTaskSpan(span, string(tasks.StatusRunning), err)
		return err
	}
	e.logger.TaskCompleted(t.ID, t.Workflow, time.Since(start))
	e.tracer.EndTaskSpan(span, string(tasks.StatusCompleted), nil)
	return nil
}

// dispatch invokes h and converts a panic into an error.
func (e *Engine) dispatch(ctx context.Context, h Handler, tc TaskContext) (output map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := errors.RecoverPanic(r)
			e.logger.Error("handler panicked", map[string]interface{}{
				"task":     tc.TaskID,
				"workflow": tc.Workflow,
				"error":    e.redactor.String(perr.Error()),
			})
			output, err = nil, perr
		}
	}()
	return h(ctx, tc)
}

func (e *Engine) fail(ctx context.Context, t *tasks.Task, start time.Time, msg string) {
	if err := e.store.Fail(ctx, t.ID, msg); err != nil {
		e.terminalWriteFailed(t, "fail", err)
		return
	}
	e.logger.TaskFailed(t.ID, t.Workflow, time.Since(start), msg)
}

func (e *Engine) terminalWriteFailed(t *tasks.Task, op string, err error) {
	fields := map[string]interface{}{"task": t.ID, "workflow": t.Workflow, "op": op, "error": err.Error()}
	if stderrors.Is(err, tasks.ErrNotRunning) {
		e.logger.Warn("task no longer running, result dropped", fields)
		return
	}
	e.logger.Error("terminal write failed", fields)
}

// taskContext builds the handler view of t. Row associations override
// the same keys in the input.
func taskContext(t *tasks.Task) TaskContext {
	input := make(map[string]any, len(t.Input)+4)
	for k, v := range t.Input {
		input[k] = v
	}
	merge := func(key, value string) {
		if value != "" {
			input[key] = value
		}
	}
	merge(InputConversationID, t.ConversationID)
	merge(InputMemberID, t.MemberID)
	merge(InputChannelID, t.ChannelID)
	merge(InputNodeID, t.NodeID)

	nodeID := t.NodeID
	if nodeID == "" {
		nodeID, _ = input[InputNodeID].(string)
	}
	return TaskContext{
		TaskID:   t.ID,
		Workflow: t.Workflow,
		NodeID:   nodeID,
		OwnerID:  t.OwnerID,
		Input:    input,
	}
}
