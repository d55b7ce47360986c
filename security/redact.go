// Package security holds the redaction boundary for execution traces.
//
// Everything the engine persists or logs that came from a model, a tool, or
// task input passes through a Redactor first: task output and error text,
// every trace step, and tool results shown in log lines.
package security

import (
	"regexp"
	"strings"
)

// Placeholder replaces any redacted value.
const Placeholder = "***REDACTED***"

// DefaultMaxLen is the default string truncation length.
const DefaultMaxLen = 4000

// sensitiveKeys are substrings that mark a map key as secret-bearing.
var sensitiveKeys = []string{
	"token", "secret", "password", "api_key", "authorization", "cookie", "key",
}

var (
	bearerPattern    = regexp.MustCompile(`(?i)(bearer\s+)[a-z0-9._\-]+`)
	secretKeyPattern = regexp.MustCompile(`(?i)(sk-[a-z0-9]{8,})`)
)

// Redactor sanitizes nested data before it is written anywhere.
type Redactor struct {
	maxLen int
}

// NewRedactor returns a Redactor truncating strings to maxLen runes.
// A non-positive maxLen uses DefaultMaxLen.
func NewRedactor(maxLen int) *Redactor {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Redactor{maxLen: maxLen}
}

var defaultRedactor = NewRedactor(DefaultMaxLen)

// Redact sanitizes v with the default truncation length.
func Redact(v any) any {
	return defaultRedactor.Value(v)
}

// RedactString sanitizes a single string with the default truncation length.
func RedactString(s string) string {
	return defaultRedactor.String(s)
}

// IsSensitiveKey reports whether a map key names a secret.
func IsSensitiveKey(key string) bool {
	lowered := strings.ToLower(key)
	for _, p := range sensitiveKeys {
		if strings.Contains(lowered, p) {
			return true
		}
	}
	return false
}

// Value walks maps and slices, replacing values under sensitive keys and
// scrubbing strings. Other scalar types are returned unchanged.
func (r *Redactor) Value(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if IsSensitiveKey(k) {
				out[k] = Placeholder
				continue
			}
			out[k] = r.Value(item)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if IsSensitiveKey(k) {
				out[k] = Placeholder
				continue
			}
			out[k] = r.String(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.Value(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.Value(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.String(item)
		}
		return out
	case string:
		return r.String(val)
	default:
		return v
	}
}

// String truncates s and scrubs bearer tokens, sk- style secret keys and
// long high-entropy tokens.
// The result is truncated again so a replacement never pushes it past the limit.
func (r *Redactor) String(s string) string {
	s = truncate(s, r.maxLen)
	s = bearerPattern.ReplaceAllString(s, "${1}"+Placeholder)
	s = secretKeyPattern.ReplaceAllString(s, Placeholder)
	s = maskHighEntropy(s)
	return truncate(s, r.maxLen)
}

// Map redacts a map and returns it with its concrete type.
func (r *Redactor) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return r.Value(m).(map[string]any)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
