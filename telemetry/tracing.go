// Package telemetry provides OpenTelemetry tracing for task runs.
package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span attribute keys lifted into columns by the Postgres exporter.
const (
	AttrTaskID   = "task.id"
	AttrWorkflow = "task.workflow"
	AttrOwnerID  = "owner.id"
)

// Agent phase span names.
const (
	PhaseLoadProfile  = "load_profile"
	PhaseBuildModel   = "build_model"
	PhaseLoadTools    = "load_tools"
	PhaseBuildContext = "build_context"
	PhaseInvoke       = "invoke"
)

// Tracer wraps OpenTelemetry tracing with task-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include content in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return NewTracerFrom(noop.NewTracerProvider(), "", false)
	}
	return globalTracer
}

// NewTracer creates a tracer with the given name on the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFrom creates a tracer on an explicit provider.
func NewTracerFrom(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{tracer: tp.Tracer(name), debug: debug}
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name. Task attributes carried by
// ctx are copied onto it.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	if attrs := taskAttrs(ctx); len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// EndSpan records err on the span, sets its status and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Task Spans ---

type taskKey struct{}

type taskInfo struct {
	id, workflow, owner string
}

func taskAttrs(ctx context.Context) []attribute.KeyValue {
	info, ok := ctx.Value(taskKey{}).(taskInfo)
	if !ok {
		return nil
	}
	attrs := []attribute.KeyValue{attribute.String(AttrTaskID, info.id)}
	if info.workflow != "" {
		attrs = append(attrs, attribute.String(AttrWorkflow, info.workflow))
	}
	if info.owner != "" {
		attrs = append(attrs, attribute.String(AttrOwnerID, info.owner))
	}
	return attrs
}

// StartTaskSpan starts the root span of one task run. Spans started from the
// returned context through this Tracer inherit the task attributes.
func (t *Tracer) StartTaskSpan(ctx context.Context, taskID, workflow, ownerID string) (context.Context, trace.Span) {
	ctx = context.WithValue(ctx, taskKey{}, taskInfo{id: taskID, workflow: workflow, owner: ownerID})
	return t.StartSpan(ctx, "task.run", trace.WithSpanKind(trace.SpanKindConsumer))
}

// EndTaskSpan ends a task span with its terminal status.
func (t *Tracer) EndTaskSpan(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("task.status", status))
	EndSpan(span, err)
}

// StartPhaseSpan starts an "agent.<phase>" span.
func (t *Tracer) StartPhaseSpan(ctx context.Context, phase string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "agent."+phase, trace.WithSpanKind(trace.SpanKindInternal))
}

// --- LLM Spans ---

// LLMSpanOptions contains options for LLM call spans.
type LLMSpanOptions struct {
	Model     string
	Provider  string
	TokensIn  int
	TokensOut int
	ToolCalls int
	Prompt    string // Only included if debug=true
	Response  string // Only included if debug=true
}

// StartLLMSpan starts a span for an LLM call.
func (t *Tracer) StartLLMSpan(ctx context.Context) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "llm.chat", trace.WithSpanKind(trace.SpanKindClient))
}

// EndLLMSpan ends an LLM span with attributes.
func (t *Tracer) EndLLMSpan(span trace.Span, opts LLMSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("llm.model", opts.Model),
		attribute.String("llm.provider", opts.Provider),
		attribute.Int("llm.tokens.input", opts.TokensIn),
		attribute.Int("llm.tokens.output", opts.TokensOut),
		attribute.Int("llm.tool_calls", opts.ToolCalls),
	}

	if t.debug {
		if opts.Prompt != "" {
			attrs = append(attrs, attribute.String("llm.prompt", truncate(opts.Prompt, 4000)))
		}
		if opts.Response != "" {
			attrs = append(attrs, attribute.String("llm.response", truncate(opts.Response, 4000)))
		}
	}

	span.SetAttributes(attrs...)
	EndSpan(span, err)
}

// --- Tool Spans ---

// ToolSpanOptions contains options for tool execution spans.
type ToolSpanOptions struct {
	Tool   string
	Args   map[string]interface{} // must already be redacted
	Result string                 // Only included if debug=true
}

// StartToolSpan starts a span for a tool execution.
func (t *Tracer) StartToolSpan(ctx context.Context, toolName string) (context.Context, trace.Span) {
	ctx, span := t.StartSpan(ctx, "tool."+toolName, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("tool.name", toolName))
	return ctx, span
}

// EndToolSpan ends a tool span with attributes.
func (t *Tracer) EndToolSpan(span trace.Span, opts ToolSpanOptions, err error) {
	for k, v := range opts.Args {
		span.SetAttributes(attribute.String("tool.arg."+k, truncateAny(v, 500)))
	}

	if t.debug && opts.Result != "" {
		span.SetAttributes(attribute.String("tool.result", truncate(opts.Result, 4000)))
	}

	EndSpan(span, err)
}

// --- Context Propagation ---

// InjectHeaders writes the trace context of ctx into outbound HTTP headers.
func InjectHeaders(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func truncateAny(v interface{}, maxLen int) string {
	if s, ok := v.(string); ok {
		return truncate(s, maxLen)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "<unencodable>"
	}
	return truncate(string(b), maxLen)
}
