package engine

import (
	"context"
	"time"

	"github.com/vinayprograms/taskengine/bus"
)

// Run drains the queue until Stop is called or ctx ends. An Engine runs
// at most once; later calls return ErrAlreadyRunning. It wakes on a
// new_task notification or after the poll interval, whichever comes first,
// so dropped notifications only cost latency.
//
// Tasks run on a context detached from ctx: shutdown stops new claims but
// lets the current task finish. Wait bounds how long that may take.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(e.done)

	taskCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()
	e.mu.Lock()
	e.abort = abort
	e.mu.Unlock()

	if e.stopped(ctx) {
		e.logger.Info("scheduler stopped before start", map[string]interface{}{"worker": e.workerID})
		return nil
	}

	if sub := e.subscribe(); sub != nil {
		defer sub.Unsubscribe()
	}

	e.logger.Info("scheduler started", map[string]interface{}{
		"worker":        e.workerID,
		"poll_interval": e.pollInterval.String(),
		"workflows":     e.Handlers(),
	})

	timer := time.NewTimer(e.pollInterval)
	defer timer.Stop()

	for !e.stopped(ctx) {
		e.drain(ctx, taskCtx)
		if e.stopped(ctx) {
			break
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(e.pollInterval)

		select {
		case <-ctx.Done():
		case <-e.stopCh:
		case <-e.wake:
		case <-timer.C:
		}
	}

	e.logger.Info("scheduler stopped", map[string]interface{}{"worker": e.workerID})
	return nil
}

// stopped reports whether Stop was called or ctx ended.
func (e *Engine) stopped(ctx context.Context) bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return ctx.Err() != nil
	}
}

// drain claims and runs tasks one at a time until the queue is empty, the
// store fails or the engine stops.
func (e *Engine) drain(ctx, taskCtx context.Context) {
	for !e.stopped(ctx) {
		t, err := e.ClaimOne(ctx)
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Error("claim failed", map[string]interface{}{"error": err.Error()})
			}
			return
		}
		if t == nil {
			return
		}
		_ = e.RunTask(taskCtx, t)
	}
}

// subscribe feeds new_task notifications into the wake signal. A failed
// subscription leaves the engine polling.
func (e *Engine) subscribe() bus.Subscription {
	if e.bus == nil {
		e.logger.Info("no wake bus, polling only")
		return nil
	}
	sub, err := e.bus.Subscribe(bus.SubjectNewTask)
	if err != nil {
		e.logger.Warn("wake subscription failed, polling only", map[string]interface{}{"error": err.Error()})
		return nil
	}
	go func() {
		for range sub.Messages() {
			e.Wake()
		}
	}()
	return sub
}

// Wake makes the scheduler drain the queue now. Signals coalesce: any
// number of calls before the scheduler reacts cause one drain.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Stop ends the scheduler after the task in flight, if any. It does not
// wait; use Wait. Calling Stop before Run makes Run return without
// claiming.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Wait blocks until Run returns. If that takes longer than grace, the
// in-flight task's context is canceled and ErrGraceExpired is returned;
// its row stays running until the stale sweep fails it.
func (e *Engine) Wait(grace time.Duration) error {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-e.done:
		return nil
	case <-timer.C:
		e.mu.RLock()
		abort := e.abort
		e.mu.RUnlock()
		if abort != nil {
			abort()
		}
		return ErrGraceExpired
	}
}

// Done is closed when Run returns.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}
