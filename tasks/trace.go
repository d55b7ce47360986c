package tasks

import "time"

// StepType identifies a trace step kind.
type StepType string

const (
	StepThinking   StepType = "thinking"
	StepToolCall   StepType = "tool_call"
	StepToolResult StepType = "tool_result"
	StepResponse   StepType = "response"
)

// TraceStep is one recorded event of an agent run. Steps are numbered
// densely from 1 within a run and never rewritten.
type TraceStep struct {
	Step       int       `json:"step"`
	Type       StepType  `json:"type"`
	Tool       string    `json:"tool,omitempty"`
	Input      any       `json:"input,omitempty"`
	Output     any       `json:"output,omitempty"`
	Content    string    `json:"content,omitempty"`
	DurationMs *int64    `json:"duration_ms,omitempty"`
	Timestamp  time.Time `json:"ts"`
}
