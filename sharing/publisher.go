package sharing

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var jsonx = jsoniter.ConfigCompatibleWithStandardLibrary

// Publisher posts composed content to one external platform and returns the
// public URL of the created post.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, text string, mediaURLs []string, messageID, userID string) (string, error)
}

// XPublisher posts to X through the v2 tweet endpoint. Media is referenced
// by appending the source URLs to the tweet text; X unfurls the first one.
type XPublisher struct {
	bearer  string
	baseURL string
	httpc   *http.Client
}

func NewXPublisher(bearerToken string) *XPublisher {
	return &XPublisher{
		bearer:  bearerToken,
		baseURL: "https://api.x.com",
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *XPublisher) Name() string { return "X" }

func (p *XPublisher) Publish(ctx context.Context, text string, mediaURLs []string, _, _ string) (string, error) {
	if p.bearer == "" {
		return "", fmt.Errorf("x publisher: bearer token not configured")
	}
	full := text
	if len(mediaURLs) > 0 {
		full += "\n" + strings.Join(mediaURLs, "\n")
	}
	body, err := jsonx.Marshal(map[string]string{"text": full})
	if err != nil {
		return "", fmt.Errorf("x publisher: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/2/tweets", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("x publisher: request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("x publisher: post: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("x publisher: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := jsonx.Unmarshal(raw, &out); err != nil || out.Data.ID == "" {
		return "", fmt.Errorf("x publisher: unexpected response: %s", strings.TrimSpace(string(raw)))
	}
	return "https://x.com/i/web/status/" + out.Data.ID, nil
}
