package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mwestra/chronicle/config"
)

type claudeClient struct {
	client     anthropic.Client
	cfg        *config.LLMConfig
	hasKey     bool
}

func newClaudeClient(cfg *config.LLMConfig) *claudeClient {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.AnthropicKey),
		option.WithRequestTimeout(time.Duration(cfg.RequestTimeoutSeconds) * time.Second),
	}
	if cfg.AnthropicBaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.AnthropicBaseURL))
	}
	return &claudeClient{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
		hasKey: cfg.AnthropicKey != "",
	}
}

func (c *claudeClient) convertMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		if len(m.Blocks) > 0 {
			for _, b := range m.Blocks {
				switch b.Type {
				case "image":
					blocks = append(blocks, anthropic.NewImageBlockBase64(
						b.MediaType, base64.StdEncoding.EncodeToString(b.Data)))
				default:
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				}
			}
		} else {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}
		if m.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func (c *claudeClient) generate(ctx context.Context, req Request) (string, error) {
	if !c.hasKey {
		return "", fmt.Errorf("claude: ANTHROPIC_API_KEY not configured")
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  c.convertMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	resp, err := withRetries(ctx, c.cfg.MaxRetries, func() (*anthropic.Message, error) {
		return c.client.Messages.New(ctx, params)
	})
	if err != nil {
		return "", fmt.Errorf("claude: %w", err)
	}
	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", fmt.Errorf("claude: no text content in response")
	}
	return text, nil
}

func (c *claudeClient) toolChat(ctx context.Context, req ToolChatRequest) (ToolChatResponse, error) {
	if !c.hasKey {
		return ToolChatResponse{}, fmt.Errorf("claude: ANTHROPIC_API_KEY not configured")
	}
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		var blocks []anthropic.ContentBlockParamUnion
		if m.Text != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Text))
		}
		for _, tu := range m.ToolUses {
			var input any
			if len(tu.Input) > 0 {
				if err := json.Unmarshal(tu.Input, &input); err != nil {
					input = map[string]any{}
				}
			} else {
				input = map[string]any{}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tu.ID, input, tu.Name))
		}
		for _, tr := range m.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolUseID, tr.Content, tr.IsError))
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == "assistant" {
			msgs = append(msgs, anthropic.NewAssistantMessage(blocks...))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(blocks...))
		}
	}

	tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: t.Properties,
					Required:   t.Required,
				},
			},
		})
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  msgs,
		Tools:     tools,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := withRetries(ctx, c.cfg.MaxRetries, func() (*anthropic.Message, error) {
		return c.client.Messages.New(ctx, params)
	})
	if err != nil {
		return ToolChatResponse{}, fmt.Errorf("claude tool chat: %w", err)
	}

	out := ToolChatResponse{StopReason: string(resp.StopReason)}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "tool_use":
			out.ToolUses = append(out.ToolUses, ToolUse{
				ID:    block.ID,
				Name:  block.Name,
				Input: json.RawMessage(block.Input),
			})
		}
	}
	return out, nil
}
