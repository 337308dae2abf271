package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/mwestra/chronicle/config"
)

type openaiClient struct {
	client openai.Client
	cfg    *config.LLMConfig
	hasKey bool
}

func newOpenAIClient(cfg *config.LLMConfig) *openaiClient {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.OpenAIKey),
		option.WithRequestTimeout(time.Duration(cfg.RequestTimeoutSeconds) * time.Second),
	}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.OpenAIBaseURL))
	}
	return &openaiClient{
		client: openai.NewClient(opts...),
		cfg:    cfg,
		hasKey: cfg.OpenAIKey != "",
	}
}

// usesCompletionTokens reports whether the model rejects max_tokens and
// requires max_completion_tokens instead (reasoning-class models).
func usesCompletionTokens(model string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func (c *openaiClient) convertMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		if m.Role == "assistant" {
			msgs = append(msgs, openai.AssistantMessage(m.Content))
			continue
		}
		if len(m.Blocks) == 0 {
			msgs = append(msgs, openai.UserMessage(m.Content))
			continue
		}
		parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(m.Blocks))
		for _, b := range m.Blocks {
			switch b.Type {
			case "image":
				dataURL := fmt.Sprintf("data:%s;base64,%s",
					b.MediaType, base64.StdEncoding.EncodeToString(b.Data))
				parts = append(parts, openai.ImageContentPart(
					openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}))
			default:
				parts = append(parts, openai.TextContentPart(b.Text))
			}
		}
		msgs = append(msgs, openai.UserMessage(parts))
	}
	return msgs
}

func (c *openaiClient) generate(ctx context.Context, req Request) (string, error) {
	if !c.hasKey {
		return "", fmt.Errorf("openai: OPENAI_API_KEY not configured")
	}
	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: c.convertMessages(req),
	}
	if usesCompletionTokens(req.Model) {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	} else {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 && !usesCompletionTokens(req.Model) {
		params.Temperature = openai.Float(req.Temperature)
	}

	resp, err := withRetries(ctx, c.cfg.MaxRetries, func() (*openai.ChatCompletion, error) {
		return c.client.Chat.Completions.New(ctx, params)
	})
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}
