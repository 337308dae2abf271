// Package moderation checks media against a remote image moderator using a
// submit-then-poll job API. Every failure mode is fail-open: an unreachable
// or slow moderator never blocks content, it only logs.
package moderation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/mwestra/chronicle/config"
)

var jsonx = jsoniter.ConfigCompatibleWithStandardLibrary

// Result is the moderator's verdict for one media URL. Err is set when the
// check could not complete; Block is false in that case.
type Result struct {
	Block      bool
	Categories []string
	Err        error
}

// Client talks to the moderation endpoint. A zero-endpoint client is
// disabled and approves everything without network calls.
type Client struct {
	endpoint string
	apiKey   string
	budget   time.Duration
	httpc    *http.Client
	logger   *slog.Logger

	// pollEvery is shortened by tests.
	pollEvery time.Duration
}

func New(cfg *config.ModerationConfig, logger *slog.Logger) *Client {
	return &Client{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:    cfg.APIKey,
		budget:    time.Duration(cfg.TimeoutSeconds) * time.Second,
		httpc:     &http.Client{Timeout: 30 * time.Second},
		logger:    logger.With("component", "moderation"),
		pollEvery: 2 * time.Second,
	}
}

// Enabled reports whether a moderator endpoint is configured.
func (c *Client) Enabled() bool { return c.endpoint != "" }

// CheckImage submits url for review and polls until the job completes or
// the time budget runs out.
func (c *Client) CheckImage(ctx context.Context, url string) Result {
	if !c.Enabled() {
		return Result{}
	}
	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	jobID, err := c.submit(ctx, url)
	if err != nil {
		c.logger.Warn("moderation submit failed, allowing", "url", url, "error", err)
		return Result{Err: err}
	}
	for {
		res, done, err := c.poll(ctx, jobID)
		if err != nil {
			c.logger.Warn("moderation poll failed, allowing", "url", url, "error", err)
			return Result{Err: err}
		}
		if done {
			return res
		}
		select {
		case <-time.After(c.pollEvery):
		case <-ctx.Done():
			c.logger.Warn("moderation budget exceeded, allowing", "url", url)
			return Result{Err: ctx.Err()}
		}
	}
}

// Block is the boolean adapter used by the summarizer when stripping media.
func (c *Client) Block(ctx context.Context, url string) bool {
	return c.CheckImage(ctx, url).Block
}

func (c *Client) submit(ctx context.Context, url string) (string, error) {
	body, err := jsonx.Marshal(map[string]string{"url": url})
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	c.auth(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("submit job: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := jsonx.Unmarshal(raw, &out); err != nil || out.JobID == "" {
		return "", fmt.Errorf("submit job: unexpected response: %s", strings.TrimSpace(string(raw)))
	}
	return out.JobID, nil
}

func (c *Client) poll(ctx context.Context, jobID string) (Result, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/jobs/"+jobID, nil)
	if err != nil {
		return Result{}, false, fmt.Errorf("build poll: %w", err)
	}
	c.auth(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Result{}, false, fmt.Errorf("poll job: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return Result{}, false, fmt.Errorf("poll job: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out struct {
		Status     string   `json:"status"`
		Block      bool     `json:"block"`
		Categories []string `json:"categories"`
	}
	if err := jsonx.Unmarshal(raw, &out); err != nil {
		return Result{}, false, fmt.Errorf("poll job: decode: %w", err)
	}
	if out.Status != "complete" {
		return Result{}, false, nil
	}
	return Result{Block: out.Block, Categories: out.Categories}, true, nil
}

func (c *Client) auth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
