// Package llm provides LLM provider interfaces and implementations.
package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents an LLM message.
type Message struct {
	Role       string             `json:"role"` // user, assistant, tool, system
	Content    string             `json:"content"`
	ToolCalls  []ToolCallResponse `json:"tool_calls,omitempty"`
	ToolCallID string             `json:"tool_call_id,omitempty"` // For tool result messages
	Name       string             `json:"name,omitempty"`         // Tool name on tool result messages
}

// ToolDef represents a tool definition for the LLM.
type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ToolCallResponse represents a tool call from the LLM.
type ToolCallResponse struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// ChatRequest represents a chat request to the LLM.
type ChatRequest struct {
	Messages  []Message `json:"messages"`
	Tools     []ToolDef `json:"tools,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// ChatResponse represents a chat response from the LLM.
type ChatResponse struct {
	Content      string             `json:"content"`
	Thinking     string             `json:"thinking,omitempty"`
	ToolCalls    []ToolCallResponse `json:"tool_calls,omitempty"`
	StopReason   string             `json:"stop_reason"`
	InputTokens  int                `json:"input_tokens"`
	OutputTokens int                `json:"output_tokens"`
	Model        string             `json:"model"`
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Chat sends a chat request and returns the response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Config selects and configures one provider.
type Config struct {
	Provider  string        `json:"provider"` // openai, anthropic, google, ollama, openrouter, or any OpenAI-compatible name
	Model     string        `json:"model"`
	APIKey    string        `json:"api_key"`
	BaseURL   string        `json:"base_url"` // Custom API endpoint (OpenRouter, LiteLLM, Ollama, LMStudio)
	MaxTokens int           `json:"max_tokens"`
	Timeout   time.Duration `json:"timeout"` // Per-attempt timeout; zero means none
	Retry     RetryConfig   `json:"retry"`
}

// RetryConfig holds retry settings for LLM calls.
type RetryConfig struct {
	MaxRetries  int           `json:"max_retries"`  // Max retry attempts (default 5)
	MaxBackoff  time.Duration `json:"max_backoff"`  // Max backoff duration (default 60s)
	InitBackoff time.Duration `json:"init_backoff"` // Initial backoff (default 1s)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens is required")
	}
	return nil
}

// --- Mock Provider for Testing ---

// MockProvider is a scripted LLM provider for tests. Queued responses are
// returned in order; once the queue is empty every call gets the fallback.
type MockProvider struct {
	mu       sync.Mutex
	queue    []mockReply
	fallback *ChatResponse
	requests []ChatRequest

	// ChatFunc overrides the queue when set.
	ChatFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

type mockReply struct {
	resp *ChatResponse
	err  error
}

// NewMockProvider creates a mock that replies with responses in order.
func NewMockProvider(responses ...*ChatResponse) *MockProvider {
	p := &MockProvider{
		fallback: &ChatResponse{StopReason: "end_turn", Model: "mock"},
	}
	for _, r := range responses {
		p.Push(r)
	}
	return p
}

// Push queues a response.
func (p *MockProvider) Push(resp *ChatResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, mockReply{resp: resp})
}

// PushError queues an error.
func (p *MockProvider) PushError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, mockReply{err: err})
}

// SetResponse sets the fallback response content.
func (p *MockProvider) SetResponse(content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = &ChatResponse{Content: content, StopReason: "end_turn", Model: "mock"}
}

// Requests returns copies of every request received.
func (p *MockProvider) Requests() []ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ChatRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// LastRequest returns the last request, or nil before the first call.
func (p *MockProvider) LastRequest() *ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	req := p.requests[len(p.requests)-1]
	return &req
}

// CallCount returns the number of Chat calls made.
func (p *MockProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Chat implements the Provider interface.
func (p *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	p.mu.Lock()
	msgs := make([]Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	p.requests = append(p.requests, req)
	fn := p.ChatFunc
	var next *mockReply
	if fn == nil && len(p.queue) > 0 {
		next = &p.queue[0]
		p.queue = p.queue[1:]
	}
	fallback := *p.fallback
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if next == nil {
		return &fallback, nil
	}
	if next.err != nil {
		return nil, next.err
	}
	resp := *next.resp
	return &resp, nil
}
