package heartbeat

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/taskengine/logging"
	"github.com/vinayprograms/taskengine/tasks"
)

type flakyBeater struct {
	calls atomic.Int64
	fail  atomic.Bool
}

func (f *flakyBeater) Heartbeat(ctx context.Context, id string) error {
	f.calls.Add(1)
	if f.fail.Load() {
		return errors.New("connection refused")
	}
	return nil
}

type fakeReclaimer struct {
	mu      sync.Mutex
	calls   int
	ids     []string
	err     error
	timeout time.Duration
	message string
}

func (f *fakeReclaimer) ReclaimStale(ctx context.Context, timeout time.Duration, message string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.timeout = timeout
	f.message = message
	if f.err != nil {
		return nil, f.err
	}
	ids := f.ids
	f.ids = nil
	return ids, nil
}

func (f *fakeReclaimer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func quietLogger() (*logging.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := logging.New()
	l.SetOutput(&buf)
	return l, &buf
}

// --- Config ---

func TestSenderConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SenderConfig
		wantErr bool
	}{
		{"valid", SenderConfig{Store: &flakyBeater{}, TaskID: "t1"}, false},
		{"no store", SenderConfig{TaskID: "t1"}, true},
		{"no task", SenderConfig{Store: &flakyBeater{}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewSender_Defaults(t *testing.T) {
	s, err := NewSender(SenderConfig{Store: &flakyBeater{}, TaskID: "t1"})
	if err != nil {
		t.Fatalf("NewSender error: %v", err)
	}
	if s.interval != 30*time.Second {
		t.Errorf("interval = %v, want 30s", s.interval)
	}
	if s.TaskID() != "t1" {
		t.Errorf("TaskID = %q", s.TaskID())
	}
}

// --- Sender ---

func TestSender_Beats(t *testing.T) {
	store := tasks.NewMemoryStore()
	ctx := context.Background()
	store.Enqueue(ctx, tasks.Task{OwnerID: "o", Workflow: "agent"})
	task, _ := store.Claim(ctx, nil)
	first := *task.HeartbeatAt

	logger, _ := quietLogger()
	s, err := Start(ctx, SenderConfig{Store: store, TaskID: task.ID, Interval: 10 * time.Millisecond, Logger: logger})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}

	if s.Beats() < 2 {
		t.Errorf("Beats = %d, want >= 2", s.Beats())
	}
	got, _ := store.Get(ctx, task.ID)
	if !got.HeartbeatAt.After(first) {
		t.Error("heartbeat_at did not advance")
	}
}

func TestSender_FailuresAreSwallowed(t *testing.T) {
	beater := &flakyBeater{}
	beater.fail.Store(true)
	logger, buf := quietLogger()

	s, _ := Start(context.Background(), SenderConfig{Store: beater, TaskID: "t1", Interval: 5 * time.Millisecond, Logger: logger})
	time.Sleep(30 * time.Millisecond)
	beater.fail.Store(false)
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	if s.Failures() == 0 {
		t.Error("expected failures to be counted")
	}
	if s.Beats() == 0 {
		t.Error("sender must keep beating after failures")
	}
	if !strings.Contains(buf.String(), "heartbeat_failed") {
		t.Errorf("expected failure to be logged, got: %s", buf.String())
	}
}

func TestSender_StopsOnStop(t *testing.T) {
	beater := &flakyBeater{}
	s, _ := Start(context.Background(), SenderConfig{Store: beater, TaskID: "t1", Interval: 5 * time.Millisecond})
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	calls := beater.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if beater.calls.Load() != calls {
		t.Error("heartbeats continued after Stop")
	}
}

func TestSender_StopsOnContextCancel(t *testing.T) {
	beater := &flakyBeater{}
	ctx, cancel := context.WithCancel(context.Background())
	s, _ := Start(ctx, SenderConfig{Store: beater, TaskID: "t1", Interval: 5 * time.Millisecond})
	cancel()
	time.Sleep(20 * time.Millisecond)
	calls := beater.calls.Load()
	time.Sleep(20 * time.Millisecond)
	if beater.calls.Load() != calls {
		t.Error("heartbeats continued after cancel")
	}
	// Stop still succeeds and does not block
	if err := s.Stop(); err != nil {
		t.Errorf("Stop error: %v", err)
	}
}

func TestSender_StartStopErrors(t *testing.T) {
	s, _ := NewSender(SenderConfig{Store: &flakyBeater{}, TaskID: "t1", Interval: time.Hour})

	if err := s.Stop(); err != ErrNotStarted {
		t.Errorf("Stop before Start = %v, want ErrNotStarted", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := s.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop error: %v", err)
	}
	if err := s.Stop(); err != ErrNotStarted {
		t.Errorf("second Stop = %v, want ErrNotStarted", err)
	}
}

// --- Reaper ---

func TestNewReaper_Defaults(t *testing.T) {
	if _, err := NewReaper(ReaperConfig{}); err != ErrInvalidConfig {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	r, err := NewReaper(ReaperConfig{Store: &fakeReclaimer{}})
	if err != nil {
		t.Fatalf("NewReaper error: %v", err)
	}
	if r.Timeout() != 10*time.Minute || r.interval != time.Minute {
		t.Errorf("unexpected defaults: timeout=%v interval=%v", r.Timeout(), r.interval)
	}
	if r.message != tasks.StaleMessage(10*time.Minute) {
		t.Errorf("message = %q", r.message)
	}
}

func TestReaper_SweepInvokesCallbacks(t *testing.T) {
	store := &fakeReclaimer{ids: []string{"a", "b"}}
	logger, buf := quietLogger()
	r, _ := NewReaper(ReaperConfig{Store: store, Timeout: time.Minute, Logger: logger})

	var got []string
	r.OnReclaimed(func(ids []string) { got = ids })

	ids, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if len(ids) != 2 || len(got) != 2 {
		t.Errorf("ids = %v, callback got %v", ids, got)
	}
	if store.timeout != time.Minute || !strings.Contains(store.message, "stale for more than 1m0s") {
		t.Errorf("unexpected args: %v %q", store.timeout, store.message)
	}
	if !strings.Contains(buf.String(), "stale_reclaimed") {
		t.Errorf("expected sweep log, got: %s", buf.String())
	}

	// empty sweep does not call back
	got = nil
	r.Sweep(context.Background())
	if got != nil {
		t.Errorf("callback invoked on empty sweep: %v", got)
	}
}

func TestReaper_SweepSurvivesErrorsAndPanics(t *testing.T) {
	store := &fakeReclaimer{err: errors.New("db down")}
	logger, _ := quietLogger()
	r, _ := NewReaper(ReaperConfig{Store: store, Logger: logger})

	if _, err := r.Sweep(context.Background()); err == nil {
		t.Error("expected store error to be reported")
	}

	store.err = nil
	store.ids = []string{"x"}
	r.OnReclaimed(func([]string) { panic("callback bug") })
	if _, err := r.Sweep(context.Background()); err == nil {
		t.Error("expected panic to be converted to an error")
	}
}

func TestReaper_RunsPeriodically(t *testing.T) {
	store := &fakeReclaimer{}
	r, _ := NewReaper(ReaperConfig{Store: store, Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if store.Calls() < 3 {
		t.Errorf("sweeps = %d, want >= 3", store.Calls())
	}
}

// --- Protocol properties ---

func TestHeartbeatKeepsTaskAlive(t *testing.T) {
	store := tasks.NewMemoryStore()
	ctx := context.Background()
	store.Enqueue(ctx, tasks.Task{OwnerID: "o", Workflow: "agent"})
	task, _ := store.Claim(ctx, nil)

	logger, _ := quietLogger()
	s, _ := Start(ctx, SenderConfig{Store: store, TaskID: task.ID, Interval: 10 * time.Millisecond, Logger: logger})
	defer s.Stop()

	r, _ := NewReaper(ReaperConfig{Store: store, Timeout: 150 * time.Millisecond, Interval: 5 * time.Millisecond, Logger: logger})
	r.Start(ctx)

	// run for well over the stale timeout
	time.Sleep(400 * time.Millisecond)
	r.Stop()

	got, _ := store.Get(ctx, task.ID)
	if got.Status != tasks.StatusRunning {
		t.Errorf("heartbeating task was reclaimed: status=%s error=%q", got.Status, got.Error)
	}
}

func TestStaleTaskIsReclaimed(t *testing.T) {
	store := tasks.NewMemoryStore()
	ctx := context.Background()
	store.Enqueue(ctx, tasks.Task{OwnerID: "o", Workflow: "agent"})
	task, _ := store.Claim(ctx, nil)

	logger, _ := quietLogger()
	r, _ := NewReaper(ReaperConfig{Store: store, Timeout: 20 * time.Millisecond, Logger: logger})

	time.Sleep(40 * time.Millisecond)
	ids, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if len(ids) != 1 || ids[0] != task.ID {
		t.Fatalf("ids = %v", ids)
	}

	got, _ := store.Get(ctx, task.ID)
	if got.Status != tasks.StatusFailed || got.CompletedAt == nil || got.Error == "" {
		t.Errorf("unexpected task after sweep: %+v", got)
	}
}
