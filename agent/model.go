package agent

import (
	"context"
	"io"
	"time"

	"github.com/vinayprograms/taskengine/errors"
	"github.com/vinayprograms/taskengine/llm"
	"github.com/vinayprograms/taskengine/ratelimit"
	"github.com/vinayprograms/taskengine/telemetry"
)

// ProviderFactory builds a provider from a resolved configuration.
type ProviderFactory func(cfg llm.Config) (llm.Provider, error)

// ModelBuilder turns the resolved configuration into a traced, rate
// limited provider. The agent and the single-shot workflows share one.
type ModelBuilder struct {
	Resolver *Resolver

	// Providers builds the model client. Default: llm.NewProvider.
	Providers ProviderFactory

	// Limiter budgets model calls. Nil means unlimited.
	Limiter ratelimit.Limiter

	Tracer    *telemetry.Tracer
	MaxTokens int
	Timeout   time.Duration
}

// Model is a built provider plus the names it was built with.
type Model struct {
	llm.Provider

	// Name is the model actually requested. Vendor is the normalized
	// provider name.
	Name   string
	Vendor string

	raw llm.Provider
}

// Close releases the underlying client if it holds resources.
func (m *Model) Close() error {
	if c, ok := m.raw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Build resolves settings and constructs the provider. modelOverride
// replaces only the model name. It fails with LLM_NOT_CONFIGURED when no
// key is available for a provider that needs one.
func (b *ModelBuilder) Build(ctx context.Context, modelOverride string) (*Model, error) {
	settings, err := b.Resolver.Resolve(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "resolve llm settings")
	}
	if !settings.IsConfigured() {
		return nil, errors.New(errors.ErrCodeNotConfigured, MsgNotConfigured)
	}

	model := settings.Model
	if modelOverride != "" {
		model = modelOverride
	}
	factory := b.Providers
	if factory == nil {
		factory = llm.NewProvider
	}
	maxTokens := b.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	raw, err := factory(llm.Config{
		Provider:  settings.Provider,
		Model:     model,
		APIKey:    settings.APIKey,
		BaseURL:   settings.APIBase,
		MaxTokens: maxTokens,
		Timeout:   b.Timeout,
	})
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "build llm provider")
	}

	tracer := b.Tracer
	if tracer == nil {
		tracer = telemetry.GetTracer()
	}
	vendor := llm.NormalizeProvider(settings.Provider)
	traced := llm.WithTracing(raw, vendor, model).WithTracer(tracer)
	return &Model{
		Provider: llm.WithRateLimit(traced, b.Limiter),
		Name:     model,
		Vendor:   vendor,
		raw:      raw,
	}, nil
}

// IsNotConfigured reports whether err came from a missing model key.
func IsNotConfigured(err error) bool {
	return errors.Is(err, errors.ErrCodeNotConfigured)
}
