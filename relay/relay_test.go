package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/taskengine/bus"
	"github.com/vinayprograms/taskengine/logging"
)

type received struct {
	auth string
	body publishRequest
}

type centrifugo struct {
	mu     sync.Mutex
	status int
	reqs   []received
}

func newCentrifugo(t *testing.T, status int) (*centrifugo, *httptest.Server) {
	t.Helper()
	c := &centrifugo{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/publish" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		var body publishRequest
		_ = json.Unmarshal(raw, &body)
		c.mu.Lock()
		c.reqs = append(c.reqs, received{auth: r.Header.Get("Authorization"), body: body})
		c.mu.Unlock()
		w.WriteHeader(c.status)
		w.Write([]byte(`{"error":"nope"}`))
	}))
	t.Cleanup(srv.Close)
	return c, srv
}

func (c *centrifugo) requests() []received {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]received, len(c.reqs))
	copy(out, c.reqs)
	return out
}

func quietLogger(buf *bytes.Buffer) *logging.Logger {
	l := logging.New()
	l.SetOutput(buf)
	return l
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// === Publish ===

func TestPublish_RequestShape(t *testing.T) {
	c, srv := newCentrifugo(t, http.StatusOK)
	var buf bytes.Buffer
	r := New(bus.NewMemoryBus(bus.DefaultConfig()), Config{APIURL: srv.URL + "/", APIKey: "secret"}, quietLogger(&buf))

	if err := r.Publish(context.Background(), "new_task", "task-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	reqs := c.requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d", len(reqs))
	}
	got := reqs[0]
	if got.auth != "apikey secret" {
		t.Errorf("authorization = %q", got.auth)
	}
	want := publishRequest{Channel: "new_task", Data: publishPayload{Channel: "new_task", Payload: "task-1"}}
	if got.body != want {
		t.Errorf("body = %+v, want %+v", got.body, want)
	}
}

func TestPublish_NonOKIsLogged(t *testing.T) {
	_, srv := newCentrifugo(t, http.StatusBadRequest)
	var buf bytes.Buffer
	r := New(bus.NewMemoryBus(bus.DefaultConfig()), Config{APIURL: srv.URL, APIKey: "k"}, quietLogger(&buf))

	if err := r.Publish(context.Background(), "new_message", "{}"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !strings.Contains(buf.String(), "relay publish rejected") || !strings.Contains(buf.String(), "status=400") {
		t.Errorf("log = %q", buf.String())
	}
}

func TestPublish_Disabled(t *testing.T) {
	r := New(bus.NewMemoryBus(bus.DefaultConfig()), Config{APIURL: "http://unused"}, nil)
	if r.Enabled() {
		t.Error("bridge without key reports enabled")
	}
	if err := r.Publish(context.Background(), "new_task", "x"); !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v, want ErrDisabled", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("disabled Run did not return")
	}
}

// === Run ===

func TestRun_ForwardsNotifications(t *testing.T) {
	c, srv := newCentrifugo(t, http.StatusOK)
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	var buf bytes.Buffer
	r := New(b, Config{APIURL: srv.URL, APIKey: "k"}, quietLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitFor(t, func() bool {
		b.Publish(bus.SubjectNewMessage, []byte(`{"conversation_id":"c1"}`))
		return len(c.requests()) > 0
	}, "message relay")
	waitFor(t, func() bool {
		b.Publish(bus.SubjectNewTask, []byte("task-9"))
		for _, req := range c.requests() {
			if req.body.Channel == bus.SubjectNewTask && req.body.Data.Payload == "task-9" {
				return true
			}
		}
		return false
	}, "task relay")

	if first := c.requests()[0].body; first.Channel != bus.SubjectNewMessage || first.Data.Payload != `{"conversation_id":"c1"}` {
		t.Errorf("first publish = %+v", first)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

// flakyBus fails the first n Subscribe calls.
type flakyBus struct {
	*bus.MemoryBus
	mu    sync.Mutex
	fails int
}

func (f *flakyBus) Subscribe(subject string) (bus.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return nil, errors.New("connection refused")
	}
	return f.MemoryBus.Subscribe(subject)
}

func TestRun_BacksOffAndResubscribes(t *testing.T) {
	c, srv := newCentrifugo(t, http.StatusOK)
	b := &flakyBus{MemoryBus: bus.NewMemoryBus(bus.DefaultConfig()), fails: 3}
	defer b.Close()
	var buf bytes.Buffer
	r := New(b, Config{APIURL: srv.URL, APIKey: "k", Subjects: []string{bus.SubjectNewTask}, MaxBackoff: 3 * time.Second}, quietLogger(&buf))

	var mu sync.Mutex
	var waits []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) bool {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		return ctx.Err() == nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitFor(t, func() bool {
		b.Publish(bus.SubjectNewTask, []byte("t"))
		return len(c.requests()) > 0
	}, "relay after reconnect")

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if len(waits) != len(want) {
		t.Fatalf("waits = %v, want %v", waits, want)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Errorf("wait[%d] = %v, want %v", i, waits[i], want[i])
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	r := New(bus.NewMemoryBus(bus.DefaultConfig()), Config{MaxBackoff: time.Millisecond}, nil)
	if r.config.Timeout != 5*time.Second || r.config.MinBackoff != time.Second || r.config.MaxBackoff != 60*time.Second {
		t.Errorf("config = %+v", r.config)
	}
	if len(r.config.Subjects) != 2 {
		t.Errorf("subjects = %v", r.config.Subjects)
	}
}
