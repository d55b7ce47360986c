package heartbeat

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskengine/logging"
)

// TaskSender writes periodic heartbeats for one running task.
type TaskSender struct {
	store    Beater
	taskID   string
	interval time.Duration
	logger   *logging.Logger

	beats    atomic.Int64
	failures atomic.Int64

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSender creates a heartbeat sender.
func NewSender(cfg SenderConfig) (*TaskSender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSenderConfig().Interval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.New().WithComponent("heartbeat")
	}

	return &TaskSender{
		store:    cfg.Store,
		taskID:   cfg.TaskID,
		interval: interval,
		logger:   logger,
	}, nil
}

// Start creates and starts a sender. The caller must defer Stop.
func Start(ctx context.Context, cfg SenderConfig) (*TaskSender, error) {
	s, err := NewSender(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins sending heartbeats at the configured interval. The claim
// already stamped heartbeat_at, so the first write happens one interval
// later.
func (s *TaskSender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

// run is the main heartbeat loop.
func (s *TaskSender) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.beat(ctx)
		}
	}
}

// beat writes one heartbeat. Failures are logged and swallowed.
func (s *TaskSender) beat(ctx context.Context) {
	beatCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	if err := s.store.Heartbeat(beatCtx, s.taskID); err != nil {
		s.failures.Add(1)
		s.logger.Warn("heartbeat_failed", map[string]interface{}{
			"task":  s.taskID,
			"error": err.Error(),
		})
		return
	}
	s.beats.Add(1)
}

// Stop stops sending heartbeats and waits for the loop to exit.
func (s *TaskSender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// TaskID returns the task this sender keeps alive.
func (s *TaskSender) TaskID() string {
	return s.taskID
}

// Beats returns the number of successful heartbeat writes.
func (s *TaskSender) Beats() int64 {
	return s.beats.Load()
}

// Failures returns the number of failed heartbeat writes.
func (s *TaskSender) Failures() int64 {
	return s.failures.Load()
}
