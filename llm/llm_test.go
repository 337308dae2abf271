package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mwestra/chronicle/config"
)

func testConfig(anthropicURL, openaiURL string) *config.LLMConfig {
	return &config.LLMConfig{
		AnthropicKey:          "test-key",
		OpenAIKey:             "test-key",
		GeminiKey:             "test-key",
		AnthropicBaseURL:      anthropicURL,
		OpenAIBaseURL:         openaiURL,
		RequestTimeoutSeconds: 10,
		MaxRetries:            0,
	}
}

// fakeAnthropic serves canned Messages API responses and records requests.
func fakeAnthropic(t *testing.T, respond func(body map[string]any) string) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var requests []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("malformed request body: %v", err)
		}
		requests = append(requests, body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, respond(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func textResponse(text string) string {
	resp := map[string]any{
		"id":          "msg_test",
		"type":        "message",
		"role":        "assistant",
		"model":       "claude-test",
		"stop_reason": "end_turn",
		"content":     []map[string]any{{"type": "text", "text": text}},
		"usage":       map[string]any{"input_tokens": 1, "output_tokens": 1},
	}
	out, _ := json.Marshal(resp)
	return string(out)
}

func TestGenerateClaude(t *testing.T) {
	srv, requests := fakeAnthropic(t, func(map[string]any) string {
		return textResponse("  hello there  ")
	})
	c := New(testConfig(srv.URL, ""))

	out, err := c.Generate(context.Background(), Request{
		Provider: ProviderClaude,
		Model:    "claude-test",
		System:   "be brief",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if out != "hello there" {
		t.Errorf("Generate() = %q, want stripped text", out)
	}
	if len(*requests) != 1 {
		t.Fatalf("got %d requests, want 1", len(*requests))
	}
	req := (*requests)[0]
	if req["model"] != "claude-test" {
		t.Errorf("model = %v", req["model"])
	}
	// MaxTokens defaults when unset.
	if req["max_tokens"].(float64) != 4096 {
		t.Errorf("max_tokens = %v, want default 4096", req["max_tokens"])
	}
}

func TestGenerateDefaultsToClaudeProvider(t *testing.T) {
	srv, _ := fakeAnthropic(t, func(map[string]any) string {
		return textResponse("ok")
	})
	c := New(testConfig(srv.URL, ""))

	out, err := c.Generate(context.Background(), Request{
		Model:    "claude-test",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if out != "ok" {
		t.Errorf("Generate() = %q", out)
	}
}

func TestGenerateUnknownProvider(t *testing.T) {
	c := New(testConfig("", ""))
	_, err := c.Generate(context.Background(), Request{Provider: "mistral"})
	if err == nil || !strings.Contains(err.Error(), "unknown provider") {
		t.Errorf("err = %v, want unknown provider", err)
	}
}

func TestGenerateMissingKey(t *testing.T) {
	cfg := testConfig("", "")
	cfg.AnthropicKey = ""
	c := New(cfg)
	_, err := c.Generate(context.Background(), Request{
		Provider: ProviderClaude,
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err == nil || !strings.Contains(err.Error(), "ANTHROPIC_API_KEY") {
		t.Errorf("err = %v, want missing key error", err)
	}
}

func TestGenerateOpenAI(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"cmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"four"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	c := New(testConfig("", srv.URL))
	out, err := c.Generate(context.Background(), Request{
		Provider:  ProviderOpenAI,
		Model:     "gpt-4o-mini",
		System:    "answer in one word",
		Messages:  []Message{{Role: "user", Content: "2+2?"}},
		MaxTokens: 64,
	})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if out != "four" {
		t.Errorf("Generate() = %q, want four", out)
	}
	if gotBody["max_tokens"].(float64) != 64 {
		t.Errorf("max_tokens = %v, want 64", gotBody["max_tokens"])
	}
	if _, ok := gotBody["max_completion_tokens"]; ok {
		t.Error("max_completion_tokens set for a non-reasoning model")
	}
}

func TestGenerateOpenAIReasoningModelTokenParam(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"cmpl-2","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	c := New(testConfig("", srv.URL))
	_, err := c.Generate(context.Background(), Request{
		Provider:  ProviderOpenAI,
		Model:     "gpt-5-mini",
		Messages:  []Message{{Role: "user", Content: "hi"}},
		MaxTokens: 128,
	})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if gotBody["max_completion_tokens"].(float64) != 128 {
		t.Errorf("max_completion_tokens = %v, want 128", gotBody["max_completion_tokens"])
	}
	if _, ok := gotBody["max_tokens"]; ok {
		t.Error("max_tokens set for a reasoning model")
	}
}

func TestToolChatParsesToolUse(t *testing.T) {
	srv, requests := fakeAnthropic(t, func(map[string]any) string {
		resp := map[string]any{
			"id":          "msg_tool",
			"type":        "message",
			"role":        "assistant",
			"model":       "claude-test",
			"stop_reason": "tool_use",
			"content": []map[string]any{
				{"type": "text", "text": "let me check"},
				{"type": "tool_use", "id": "tu_1", "name": "get_bot_status",
					"input": map[string]any{"verbose": true}},
			},
			"usage": map[string]any{"input_tokens": 1, "output_tokens": 1},
		}
		out, _ := json.Marshal(resp)
		return string(out)
	})
	c := New(testConfig(srv.URL, ""))

	resp, err := c.ToolChat(context.Background(), ToolChatRequest{
		Model:  "claude-test",
		System: "you are an admin assistant",
		Messages: []ToolMessage{
			{Role: "user", Text: "status?"},
		},
		Tools: []ToolDefinition{{
			Name:        "get_bot_status",
			Description: "Report uptime and connection state.",
			Properties:  map[string]any{"verbose": map[string]any{"type": "boolean"}},
		}},
	})
	if err != nil {
		t.Fatalf("ToolChat() error: %v", err)
	}
	if resp.StopReason != "tool_use" {
		t.Errorf("StopReason = %q", resp.StopReason)
	}
	if resp.Text != "let me check" {
		t.Errorf("Text = %q", resp.Text)
	}
	if len(resp.ToolUses) != 1 {
		t.Fatalf("got %d tool uses, want 1", len(resp.ToolUses))
	}
	tu := resp.ToolUses[0]
	if tu.ID != "tu_1" || tu.Name != "get_bot_status" {
		t.Errorf("tool use = %+v", tu)
	}
	var input map[string]any
	if err := json.Unmarshal(tu.Input, &input); err != nil {
		t.Fatalf("tool input not JSON: %v", err)
	}
	if input["verbose"] != true {
		t.Errorf("input = %v", input)
	}

	req := (*requests)[0]
	tools, ok := req["tools"].([]any)
	if !ok || len(tools) != 1 {
		t.Fatalf("tools = %v, want 1 entry", req["tools"])
	}
}

func TestToolChatRoundTripsToolResults(t *testing.T) {
	srv, requests := fakeAnthropic(t, func(map[string]any) string {
		return textResponse("all good")
	})
	c := New(testConfig(srv.URL, ""))

	_, err := c.ToolChat(context.Background(), ToolChatRequest{
		Model: "claude-test",
		Messages: []ToolMessage{
			{Role: "user", Text: "status?"},
			{Role: "assistant", ToolUses: []ToolUse{
				{ID: "tu_1", Name: "get_bot_status", Input: json.RawMessage(`{}`)},
			}},
			{Role: "user", ToolResults: []ToolResult{
				{ToolUseID: "tu_1", Content: "connected", IsError: false},
			}},
		},
	})
	if err != nil {
		t.Fatalf("ToolChat() error: %v", err)
	}
	req := (*requests)[0]
	msgs := req["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	last := msgs[2].(map[string]any)
	blocks := last["content"].([]any)
	block := blocks[0].(map[string]any)
	if block["type"] != "tool_result" || block["tool_use_id"] != "tu_1" {
		t.Errorf("final block = %v, want tool_result for tu_1", block)
	}
}

func TestWithRetriesNonRetryableFailsFast(t *testing.T) {
	calls := 0
	_, err := withRetries(context.Background(), 3, func() (string, error) {
		calls++
		return "", errors.New("400 invalid request")
	})
	if err == nil {
		t.Fatal("want error")
	}
	// "400" is not a retryable marker.
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestWithRetriesExhausts(t *testing.T) {
	calls := 0
	_, err := withRetries(context.Background(), 0, func() (string, error) {
		calls++
		return "", errors.New("503 service unavailable")
	})
	if err == nil || !strings.Contains(err.Error(), "retries exhausted") {
		t.Errorf("err = %v, want retries exhausted", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 with maxRetries=0", calls)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  string
		want bool
	}{
		{"429 Too Many Requests", true},
		{"connection reset by peer", true},
		{"unexpected EOF", true},
		{"503 Service Unavailable", true},
		{"overloaded_error: Overloaded", true},
		{"400 bad request: invalid model", false},
		{"401 unauthorized", false},
		{"invalid_request_error", false},
	}
	for _, tt := range tests {
		if got := isRetryable(errors.New(tt.err)); got != tt.want {
			t.Errorf("isRetryable(%q) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestUsesCompletionTokens(t *testing.T) {
	tests := []struct {
		model string
		want  bool
	}{
		{"gpt-4o-mini", false},
		{"gpt-4.1", false},
		{"gpt-5", true},
		{"gpt-5-mini", true},
		{"o1-preview", true},
		{"o3-mini", true},
		{"o4-mini", true},
	}
	for _, tt := range tests {
		if got := usesCompletionTokens(tt.model); got != tt.want {
			t.Errorf("usesCompletionTokens(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}
