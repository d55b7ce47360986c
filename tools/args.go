package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Args wraps tool arguments as decoded from the model's JSON.
type Args map[string]any

// String gets a required string argument.
func (a Args) String(key string) (string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%s is required", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	return s, nil
}

// StringOr gets an optional string argument. Null and non-string values
// yield the default.
func (a Args) StringOr(key, defaultVal string) string {
	s, ok := a[key].(string)
	if !ok {
		return defaultVal
	}
	return s
}

// IntOr gets an optional integer argument.
// Handles both int and float64 (JSON numbers decode as float64) and numeric strings.
func (a Args) IntOr(key string, defaultVal int) int {
	switch n := a[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	case string:
		var i int
		if _, err := fmt.Sscanf(strings.TrimSpace(n), "%d", &i); err == nil {
			return i
		}
	}
	return defaultVal
}

// Object gets an argument that should hold a JSON object. Models send it
// either as an object or as a JSON string; both are accepted. ok is false
// when the key is present but does not decode to an object.
func (a Args) Object(key string) (obj map[string]any, present bool, ok bool) {
	v, exists := a[key]
	if !exists || v == nil {
		return nil, false, true
	}
	switch o := v.(type) {
	case map[string]any:
		return o, true, true
	case string:
		if strings.TrimSpace(o) == "" {
			return nil, false, true
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(o), &m); err != nil || m == nil {
			return nil, true, false
		}
		return m, true, true
	}
	return nil, true, false
}

// Has returns true if the key exists in the arguments.
func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// schema builds a JSON object schema from property definitions.
func schema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}
