package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskengine/errors"
	"github.com/vinayprograms/taskengine/logging"
	"github.com/vinayprograms/taskengine/tasks"
)

// Reaper periodically fails running tasks whose heartbeat went stale.
type Reaper struct {
	store    Reclaimer
	timeout  time.Duration
	interval time.Duration
	message  string
	logger   *logging.Logger

	mu          sync.RWMutex
	reclaimedCB []func(ids []string)

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewReaper creates a stale task reaper.
func NewReaper(cfg ReaperConfig) (*Reaper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultReaperConfig().Timeout
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultReaperConfig().Interval
	}

	message := cfg.Message
	if message == "" {
		message = tasks.StaleMessage(timeout)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.New().WithComponent("reaper")
	}

	return &Reaper{
		store:    cfg.Store,
		timeout:  timeout,
		interval: interval,
		message:  message,
		logger:   logger,
	}, nil
}

// OnReclaimed registers a callback invoked with the ids of each non-empty sweep.
func (r *Reaper) OnReclaimed(callback func(ids []string)) {
	r.mu.Lock()
	r.reclaimedCB = append(r.reclaimedCB, callback)
	r.mu.Unlock()
}

// Start begins sweeping. The first sweep runs immediately.
func (r *Reaper) Start(ctx context.Context) error {
	if r.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go r.run(ctx)
	return nil
}

// Run sweeps until ctx is cancelled. It is the blocking form of Start.
func (r *Reaper) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-r.doneCh:
	}
	r.Stop()
	return nil
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.doneCh)

	r.Sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reclamation pass. Store errors and callback panics are
// logged; the returned error is informational.
func (r *Reaper) Sweep(ctx context.Context) (ids []string, err error) {
	defer func() {
		if rec := errors.RecoverPanic(recover()); rec != nil {
			r.logger.Error("reaper_panic", map[string]interface{}{"error": rec.Error()})
			err = rec
		}
	}()

	ids, err = r.store.ReclaimStale(ctx, r.timeout, r.message)
	if err != nil {
		r.logger.Warn("reclaim_failed", map[string]interface{}{"error": err.Error()})
		return nil, errors.StoreUnavailable("reclaim stale tasks", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	r.logger.StaleReclaimed(ids)

	r.mu.RLock()
	callbacks := make([]func([]string), len(r.reclaimedCB))
	copy(callbacks, r.reclaimedCB)
	r.mu.RUnlock()

	for _, cb := range callbacks {
		cb(ids)
	}
	return ids, nil
}

// Stop stops sweeping and waits for the loop to exit.
func (r *Reaper) Stop() error {
	if !r.running.Swap(false) {
		return ErrNotStarted
	}
	close(r.stopCh)
	<-r.doneCh
	return nil
}

// Timeout returns the staleness threshold.
func (r *Reaper) Timeout() time.Duration {
	return r.timeout
}
