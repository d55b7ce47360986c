// Package relay forwards bus notifications to a Centrifugo server so
// browsers receive task and message updates without holding database
// connections.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/taskengine/bus"
	"github.com/vinayprograms/taskengine/logging"
	"github.com/vinayprograms/taskengine/telemetry"
)

// ErrDisabled is returned by Publish when no API key is configured.
var ErrDisabled = errors.New("relay disabled: no api key")

// Config configures a Bridge.
type Config struct {
	// APIURL is the Centrifugo base URL, e.g. http://centrifugo:8000.
	APIURL string

	// APIKey authorizes publishes. Empty disables the bridge.
	APIKey string

	// Timeout bounds one publish.
	// Default: 5s
	Timeout time.Duration

	// Subjects to forward.
	// Default: new_task, new_message
	Subjects []string

	// MinBackoff and MaxBackoff bound resubscription delays.
	// Defaults: 1s and 60s
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// Client is the HTTP client. Default: a plain client with Timeout.
	Client *http.Client
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:    5 * time.Second,
		Subjects:   []string{bus.SubjectNewTask, bus.SubjectNewMessage},
		MinBackoff: time.Second,
		MaxBackoff: 60 * time.Second,
	}
}

// Bridge subscribes to bus subjects and republishes every notification
// on the Centrifugo channel of the same name.
type Bridge struct {
	bus    bus.MessageBus
	config Config
	client *http.Client
	logger *logging.Logger
	sleep  func(ctx context.Context, d time.Duration) bool
}

// New creates a bridge. Zero Config fields take their defaults.
func New(b bus.MessageBus, cfg Config, logger *logging.Logger) *Bridge {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if len(cfg.Subjects) == 0 {
		cfg.Subjects = def.Subjects
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = def.MinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.MinBackoff)
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = logging.New()
	}
	return &Bridge{
		bus:    b,
		config: cfg,
		client: client,
		logger: logger.WithComponent("relay"),
		sleep:  sleepCtx,
	}
}

// Enabled reports whether an API key is configured.
func (r *Bridge) Enabled() bool {
	return r.config.APIKey != ""
}

// Run forwards notifications until ctx is done. A subscription that fails
// or ends is re-established after an exponential backoff that resets once
// a subscription succeeds. Run returns nil at once when disabled.
func (r *Bridge) Run(ctx context.Context) error {
	if !r.Enabled() {
		r.logger.Info("relay disabled (no api key)")
		return nil
	}

	backoff := r.config.MinBackoff
	for {
		err := r.session(ctx, func() { backoff = r.config.MinBackoff })
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Warn("relay subscription lost, reconnecting", map[string]interface{}{
			"error":   errString(err),
			"backoff": backoff.String(),
		})
		if !r.sleep(ctx, backoff) {
			return nil
		}
		backoff = min(backoff*2, r.config.MaxBackoff)
	}
}

// session subscribes to every subject and forwards until ctx ends or any
// subscription closes.
func (r *Bridge) session(ctx context.Context, connected func()) error {
	subs := make([]bus.Subscription, 0, len(r.config.Subjects))
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()
	for _, subject := range r.config.Subjects {
		sub, err := r.bus.Subscribe(subject)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	connected()
	r.logger.Info("relay listening", map[string]interface{}{"subjects": strings.Join(r.config.Subjects, ",")})

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	ended := make(chan string, len(subs))
	for i, sub := range subs {
		wg.Add(1)
		go func(subject string, msgs <-chan *bus.Message) {
			defer wg.Done()
			for {
				select {
				case <-sctx.Done():
					return
				case m, ok := <-msgs:
					if !ok {
						ended <- subject
						return
					}
					channel := m.Subject
					if channel == "" {
						channel = subject
					}
					if err := r.Publish(sctx, channel, string(m.Data)); err != nil && sctx.Err() == nil {
						r.logger.Warn("relay publish error", map[string]interface{}{"channel": channel, "error": err.Error()})
					}
				}
			}
		}(r.config.Subjects[i], sub.Messages())
	}

	var err error
	select {
	case <-ctx.Done():
	case subject := <-ended:
		err = fmt.Errorf("subscription %s closed", subject)
	}
	cancel()
	wg.Wait()
	return err
}

type publishRequest struct {
	Channel string         `json:"channel"`
	Data    publishPayload `json:"data"`
}

type publishPayload struct {
	Channel string `json:"channel"`
	Payload string `json:"payload"`
}

// Publish posts one notification to {api_url}/api/publish. A non-200 reply
// is logged and not returned as an error; transport failures are returned.
func (r *Bridge) Publish(ctx context.Context, channel, payload string) error {
	if !r.Enabled() {
		return ErrDisabled
	}
	body, err := json.Marshal(publishRequest{
		Channel: channel,
		Data:    publishPayload{Channel: channel, Payload: payload},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.APIURL+"/api/publish", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "apikey "+r.config.APIKey)
	telemetry.InjectHeaders(ctx, req.Header)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		r.logger.Warn("relay publish rejected", map[string]interface{}{
			"channel": channel,
			"status":  resp.StatusCode,
			"body":    strings.TrimSpace(string(raw)),
		})
		return nil
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
