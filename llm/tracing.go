package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/vinayprograms/taskengine/telemetry"
)

// TracingProvider wraps a Provider with OpenTelemetry tracing.
type TracingProvider struct {
	provider     Provider
	providerName string
	model        string
	tracer       *telemetry.Tracer // nil uses the global tracer
}

// WithTracing wraps a provider with tracing instrumentation.
func WithTracing(p Provider, providerName, model string) *TracingProvider {
	return &TracingProvider{
		provider:     p,
		providerName: providerName,
		model:        model,
	}
}

// WithTracer sets an explicit tracer.
func (tp *TracingProvider) WithTracer(t *telemetry.Tracer) *TracingProvider {
	tp.tracer = t
	return tp
}

// Chat implements Provider with tracing.
func (tp *TracingProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	tracer := tp.tracer
	if tracer == nil {
		tracer = telemetry.GetTracer()
	}

	ctx, span := tracer.StartLLMSpan(ctx)

	resp, err := tp.provider.Chat(ctx, req)

	opts := telemetry.LLMSpanOptions{
		Provider: tp.providerName,
		Model:    tp.model,
	}

	if resp != nil {
		if resp.Model != "" {
			opts.Model = resp.Model
		}
		opts.TokensIn = resp.InputTokens
		opts.TokensOut = resp.OutputTokens
		opts.ToolCalls = len(resp.ToolCalls)
		opts.Response = resp.Content
	}

	// Prompt content is only recorded in debug mode.
	if tracer.Debug() {
		var parts []string
		for _, msg := range req.Messages {
			parts = append(parts, fmt.Sprintf("[%s] %s", msg.Role, msg.Content))
		}
		opts.Prompt = strings.Join(parts, "\n")
	}

	tracer.EndLLMSpan(span, opts, err)

	return resp, err
}
