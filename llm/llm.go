// Package llm is the provider-agnostic chat completion dispatcher. It routes
// to the Claude, OpenAI, or Gemini client and never touches Discord or the
// store.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mwestra/chronicle/config"
)

// Provider identifiers accepted by Generate.
const (
	ProviderClaude = "claude"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Block is one element of a multimodal message.
type Block struct {
	// Type is "text" or "image".
	Type string
	Text string
	// Image blocks carry raw bytes plus their media type.
	MediaType string
	Data      []byte
}

// Message is one conversation turn. Content is used for plain text;
// Blocks for multimodal turns. Exactly one of the two should be set.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
	Blocks  []Block
}

// Request is a single generation call.
type Request struct {
	Provider    string
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64 // 0 means provider default
}

// provider is the per-vendor completion client.
type provider interface {
	generate(ctx context.Context, req Request) (string, error)
}

// Client dispatches Generate calls to the configured provider clients.
type Client struct {
	cfg    *config.LLMConfig
	claude *claudeClient
	openai *openaiClient
	gemini *geminiClient
}

// New builds the dispatcher. Clients for providers without keys are still
// created; they fail on use with a clear error.
func New(cfg *config.LLMConfig) *Client {
	return &Client{
		cfg:    cfg,
		claude: newClaudeClient(cfg),
		openai: newOpenAIClient(cfg),
		gemini: newGeminiClient(cfg),
	}
}

// Generate performs one chat completion and returns the stripped text.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	if req.MaxTokens == 0 {
		req.MaxTokens = 4096
	}
	var p provider
	switch req.Provider {
	case ProviderClaude, "":
		p = c.claude
	case ProviderOpenAI:
		p = c.openai
	case ProviderGemini:
		p = c.gemini
	default:
		return "", fmt.Errorf("unknown provider %q", req.Provider)
	}
	out, err := p.generate(ctx, req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ToolDefinition describes a callable tool in JSON-schema terms.
type ToolDefinition struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// ToolUse is a tool invocation requested by the model.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult reports a tool's outcome back to the model.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// ToolMessage is one turn of a tool-use conversation. An assistant turn may
// carry ToolUses; the following user turn carries the matching ToolResults.
type ToolMessage struct {
	Role        string
	Text        string
	ToolUses    []ToolUse
	ToolResults []ToolResult
}

// ToolChatRequest drives the agent loop. Tool use is served by Claude.
type ToolChatRequest struct {
	Model     string
	System    string
	Messages  []ToolMessage
	Tools     []ToolDefinition
	MaxTokens int
}

// ToolChatResponse is the model's next step: text, tool calls, or both.
type ToolChatResponse struct {
	Text       string
	ToolUses   []ToolUse
	StopReason string
}

// ToolChat performs one tool-use turn.
func (c *Client) ToolChat(ctx context.Context, req ToolChatRequest) (ToolChatResponse, error) {
	if req.MaxTokens == 0 {
		req.MaxTokens = 4096
	}
	return c.claude.toolChat(ctx, req)
}

// retryDelays gives each provider client the same tiered backoff.
var retryDelays = []time.Duration{1 * time.Second, 4 * time.Second, 15 * time.Second}

// withRetries runs fn up to maxRetries+1 times, backing off on transient
// failures. Bad-request class errors are re-raised immediately.
func withRetries[T any](ctx context.Context, maxRetries int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			d := retryDelays[min(attempt-1, len(retryDelays)-1)]
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !isRetryable(err) {
			return zero, err
		}
		lastErr = err
	}
	return zero, fmt.Errorf("retries exhausted: %w", lastErr)
}

// isRetryable classifies provider errors: connection failures, rate limits,
// and 5xx are retryable; 4xx validation errors are not.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection reset", "connection refused", "broken pipe",
		"i/o timeout", "context deadline exceeded", "eof",
		"429", "too many requests", "rate limit",
		"500", "502", "503", "504", "overloaded", "internal server error",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
