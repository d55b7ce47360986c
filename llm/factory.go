package llm

import (
	"fmt"
	"strings"
)

// Default endpoints of OpenAI-compatible providers.
var compatBaseURLs = map[string]string{
	"ollama":     "http://localhost:11434/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"mistral":    "https://api.mistral.ai/v1",
	"xai":        "https://api.x.ai/v1",
	"lmstudio":   "http://localhost:1234/v1",
}

// keyless providers run locally and accept requests without an API key.
var keyless = map[string]bool{
	"ollama":   true,
	"lmstudio": true,
}

// NormalizeProvider lower-cases a provider name and folds aliases.
func NormalizeProvider(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "gemini":
		return "google"
	case "ollama-local":
		return "ollama"
	}
	return name
}

// RequiresKey reports whether a provider needs an API key.
func RequiresKey(provider string) bool {
	return !keyless[NormalizeProvider(provider)]
}

// ParseModel splits "provider/model" into its parts. Without a provider
// prefix the provider is inferred from the model name, falling back to
// openai. Only the first slash separates, so "openrouter/meta/llama-3"
// keeps "meta/llama-3" as the model.
func ParseModel(s string) (provider, model string) {
	s = strings.TrimSpace(s)
	if p, m, ok := strings.Cut(s, "/"); ok && p != "" {
		return NormalizeProvider(p), m
	}
	if p := InferProviderFromModel(s); p != "" {
		return p, s
	}
	return "openai", s
}

// NewProvider creates a provider based on the configuration.
// If Provider is empty, it is inferred from the Model name.
func NewProvider(cfg Config) (Provider, error) {
	cfg.Provider = NormalizeProvider(cfg.Provider)
	if cfg.Provider == "" && cfg.Model != "" {
		cfg.Provider = InferProviderFromModel(cfg.Model)
		if cfg.Provider == "" {
			return nil, fmt.Errorf("cannot determine provider for model %q; set provider explicitly", cfg.Model)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.APIKey == "" && RequiresKey(cfg.Provider) {
		return nil, fmt.Errorf("api key is required for provider %s", cfg.Provider)
	}

	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicProvider(cfg)

	case "openai":
		return NewOpenAIProvider(cfg)

	case "google":
		return NewGoogleProvider(cfg)

	default:
		// Everything else speaks the OpenAI chat completions protocol.
		if cfg.BaseURL == "" {
			cfg.BaseURL = compatBaseURLs[cfg.Provider]
		}
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("base_url is required for provider %s", cfg.Provider)
		}
		return NewOpenAICompatProvider(cfg, nil)
	}
}

// InferProviderFromModel returns the provider name based on model name patterns.
func InferProviderFromModel(model string) string {
	model = strings.ToLower(model)

	if strings.HasPrefix(model, "claude") {
		return "anthropic"
	}

	if strings.HasPrefix(model, "gpt-") ||
		strings.HasPrefix(model, "o1") ||
		strings.HasPrefix(model, "o3") ||
		strings.HasPrefix(model, "o4") ||
		strings.HasPrefix(model, "chatgpt") {
		return "openai"
	}

	if strings.HasPrefix(model, "gemini") ||
		strings.HasPrefix(model, "gemma") {
		return "google"
	}

	if strings.HasPrefix(model, "mistral") ||
		strings.HasPrefix(model, "mixtral") ||
		strings.HasPrefix(model, "codestral") ||
		strings.HasPrefix(model, "pixtral") {
		return "mistral"
	}

	if strings.HasPrefix(model, "grok") {
		return "xai"
	}

	return ""
}
