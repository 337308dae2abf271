package llm

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"github.com/mwestra/chronicle/config"
)

type geminiClient struct {
	cfg *config.LLMConfig

	// genai.NewClient needs a context, so the client is built on first use.
	once   sync.Once
	client *genai.Client
	initEr error
}

func newGeminiClient(cfg *config.LLMConfig) *geminiClient {
	return &geminiClient{cfg: cfg}
}

func (c *geminiClient) init(ctx context.Context) (*genai.Client, error) {
	c.once.Do(func() {
		c.client, c.initEr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  c.cfg.GeminiKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	return c.client, c.initEr
}

func (c *geminiClient) convertContents(messages []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := genai.RoleUser
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		var parts []*genai.Part
		if len(m.Blocks) > 0 {
			for _, b := range m.Blocks {
				switch b.Type {
				case "image":
					parts = append(parts, &genai.Part{
						InlineData: &genai.Blob{
							MIMEType: b.MediaType,
							Data:     b.Data,
						},
					})
				default:
					parts = append(parts, &genai.Part{Text: b.Text})
				}
			}
		} else {
			parts = append(parts, &genai.Part{Text: m.Content})
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents
}

func (c *geminiClient) generate(ctx context.Context, req Request) (string, error) {
	if c.cfg.GeminiKey == "" {
		return "", fmt.Errorf("gemini: GEMINI_API_KEY not configured")
	}
	client, err := c.init(ctx)
	if err != nil {
		return "", fmt.Errorf("gemini: create client: %w", err)
	}

	gcfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.System != "" {
		gcfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.Temperature > 0 {
		gcfg.Temperature = genai.Ptr(float32(req.Temperature))
	}

	resp, err := withRetries(ctx, c.cfg.MaxRetries, func() (*genai.GenerateContentResponse, error) {
		return client.Models.GenerateContent(ctx, req.Model, c.convertContents(req.Messages), gcfg)
	})
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini: empty response")
	}
	return text, nil
}
