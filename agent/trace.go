package agent

import (
	"time"

	"github.com/vinayprograms/taskengine/security"
	"github.com/vinayprograms/taskengine/tasks"
)

// Recorder builds the trace log of one run. Every recorded value passes
// through the redactor, so the slice it returns is safe to persist.
type Recorder struct {
	redactor *security.Redactor
	now      func() time.Time
	steps    []tasks.TraceStep
}

// NewRecorder creates an empty recorder. A nil redactor uses the default
// truncation length.
func NewRecorder(r *security.Redactor) *Recorder {
	if r == nil {
		r = security.NewRedactor(security.DefaultMaxLen)
	}
	return &Recorder{redactor: r, now: time.Now}
}

func (r *Recorder) add(s tasks.TraceStep) {
	s.Step = len(r.steps) + 1
	s.Timestamp = r.now().UTC()
	r.steps = append(r.steps, s)
}

// Thinking records free text the model produced alongside tool calls.
func (r *Recorder) Thinking(content string) {
	r.add(tasks.TraceStep{Type: tasks.StepThinking, Content: r.redactor.String(content)})
}

// ToolCall records one tool invocation.
func (r *Recorder) ToolCall(tool string, args map[string]any) {
	input := r.redactor.Map(args)
	if input == nil {
		input = map[string]any{}
	}
	r.add(tasks.TraceStep{Type: tasks.StepToolCall, Tool: tool, Input: input})
}

// ToolResult records what a tool returned and how long it took.
func (r *Recorder) ToolResult(tool, output string, d time.Duration) {
	ms := d.Milliseconds()
	r.add(tasks.TraceStep{Type: tasks.StepToolResult, Tool: tool, Output: r.redactor.String(output), DurationMs: &ms})
}

// Response records the final answer.
func (r *Recorder) Response(content string) {
	r.add(tasks.TraceStep{Type: tasks.StepResponse, Content: r.redactor.String(content)})
}

// Steps returns a copy of the recorded steps.
func (r *Recorder) Steps() []tasks.TraceStep {
	out := make([]tasks.TraceStep, len(r.steps))
	copy(out, r.steps)
	return out
}

// Len returns the number of recorded steps.
func (r *Recorder) Len() int { return len(r.steps) }
