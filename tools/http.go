package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/vinayprograms/taskengine/ratelimit"
)

// DefaultHTTPTimeout bounds one HTTP tool call.
const DefaultHTTPTimeout = 30 * time.Second

// Response bounds handed back to the model.
const (
	httpBodyMax  = 2000
	httpErrorMax = 500
)

var placeholder = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)

// HTTPConfig is the config column of an http tool definition.
type HTTPConfig struct {
	URL             string
	Method          string
	HeadersTemplate map[string]any
	BodyTemplate    any
	Description     string
}

// ParseHTTPConfig reads an http tool config. The url is required.
func ParseHTTPConfig(name string, cfg map[string]any) (HTTPConfig, error) {
	c := HTTPConfig{}
	c.URL, _ = cfg["url"].(string)
	if strings.TrimSpace(c.URL) == "" {
		return c, fmt.Errorf("http tool %s: url is required", name)
	}
	c.Method, _ = cfg["method"].(string)
	c.Method = strings.ToUpper(strings.TrimSpace(c.Method))
	if c.Method == "" {
		c.Method = http.MethodGet
	}
	c.HeadersTemplate, _ = cfg["headers_template"].(map[string]any)
	c.BodyTemplate = cfg["body_template"]
	c.Description, _ = cfg["description"].(string)
	if c.Description == "" {
		c.Description = "Call " + name + " HTTP API"
	}
	return c, nil
}

// CredentialFunc loads the decrypted credential fields for a tool.
// It returns nil when the tool has no credential.
type CredentialFunc func(ctx context.Context) (map[string]any, error)

// HTTPTool calls a configured HTTP endpoint. URL, headers and body are
// templates over {"input": {"text": ...}, "credential": {...}}.
type HTTPTool struct {
	name       string
	config     HTTPConfig
	credential CredentialFunc
	client     *http.Client
	timeout    time.Duration
	limiter    ratelimit.Limiter
}

// NewHTTPTool builds an HTTP tool. A zero timeout means DefaultHTTPTimeout.
func NewHTTPTool(name string, config HTTPConfig, credential CredentialFunc, client *http.Client, timeout time.Duration, limiter ratelimit.Limiter) *HTTPTool {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &HTTPTool{
		name:       name,
		config:     config,
		credential: credential,
		client:     client,
		timeout:    timeout,
		limiter:    limiter,
	}
}

func (t *HTTPTool) Name() string        { return t.name }
func (t *HTTPTool) Description() string { return t.config.Description }

// Mutates reports true for anything but GET.
func (t *HTTPTool) Mutates() bool { return t.config.Method != http.MethodGet }

func (t *HTTPTool) Parameters() map[string]any {
	return schema(map[string]any{
		"input_text": prop("string", "Input text passed to the API as {{input.text}}"),
	})
}

func (t *HTTPTool) Execute(ctx context.Context, args Args) (string, error) {
	data := map[string]any{
		"input":      map[string]any{"text": args.StringOr("input_text", "")},
		"credential": map[string]any{},
	}
	if t.credential != nil {
		cred, err := t.credential(ctx)
		if err != nil {
			return "Error loading credential: " + err.Error(), nil
		}
		if cred != nil {
			data["credential"] = cred
		}
	}

	release, err := acquire(ctx, t.limiter, ratelimit.ResourceHTTPTool)
	if err != nil {
		return fmt.Sprintf("HTTP request failed: %v", err), nil
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var body io.Reader
	if t.config.BodyTemplate != nil {
		raw, err := json.Marshal(Interpolate(t.config.BodyTemplate, data))
		if err != nil {
			return fmt.Sprintf("HTTP request failed: %v", err), nil
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, t.config.Method, InterpolateString(t.config.URL, data), body)
	if err != nil {
		return fmt.Sprintf("HTTP request failed: %v", err), nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := Interpolate(t.config.HeadersTemplate, data).(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Sprintf("HTTP request failed: timed out after %s", t.timeout), nil
		}
		return fmt.Sprintf("HTTP request failed: %v", err), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Sprintf("HTTP request failed: reading body: %v", err), nil
	}
	if resp.StatusCode == http.StatusTooManyRequests && t.limiter != nil {
		t.limiter.Reduce(ratelimit.ResourceHTTPTool, "429 from "+req.URL.Host)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncateRunes(string(raw), httpErrorMax)), nil
	}
	return truncateRunes(string(raw), httpBodyMax), nil
}

// Interpolate replaces {{a.b}} placeholders in every string inside v.
// Maps and lists are walked recursively; other values are returned as is.
func Interpolate(v any, data map[string]any) any {
	switch t := v.(type) {
	case string:
		return InterpolateString(t, data)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Interpolate(val, data)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Interpolate(val, data)
		}
		return out
	default:
		return v
	}
}

// InterpolateString replaces {{a.b}} placeholders in s. Missing paths
// render as the empty string.
func InterpolateString(s string, data map[string]any) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		path := placeholder.FindStringSubmatch(m)[1]
		var cur any = data
		for _, part := range strings.Split(path, ".") {
			obj, ok := cur.(map[string]any)
			if !ok {
				return ""
			}
			cur, ok = obj[part]
			if !ok {
				return ""
			}
		}
		if cur == nil {
			return ""
		}
		return fmt.Sprint(cur)
	})
}

// acquire takes a limiter token. A nil limiter or a resource without a
// configured budget is unlimited.
func acquire(ctx context.Context, l ratelimit.Limiter, resource string) (func(), error) {
	if l == nil {
		return func() {}, nil
	}
	if err := l.Acquire(ctx, resource); err != nil {
		if errors.Is(err, ratelimit.ErrResourceUnknown) {
			return func() {}, nil
		}
		return nil, err
	}
	return func() { l.Release(resource) }, nil
}
