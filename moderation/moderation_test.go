package moderation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mwestra/chronicle/config"
)

func newTestClient(endpoint string, budget time.Duration) *Client {
	c := New(&config.ModerationConfig{
		Endpoint:       endpoint,
		APIKey:         "test-key",
		TimeoutSeconds: int(budget / time.Second),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if budget < time.Second {
		c.budget = budget
	}
	c.pollEvery = time.Millisecond
	return c
}

func TestCheckImagePollsUntilComplete(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			w.WriteHeader(http.StatusAccepted)
			fmt.Fprint(w, `{"job_id": "j1"}`)
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/jobs/"):
			if polls.Add(1) < 3 {
				fmt.Fprint(w, `{"status": "pending"}`)
				return
			}
			fmt.Fprint(w, `{"status": "complete", "block": true, "categories": ["nudity"]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	res := newTestClient(srv.URL, 5*time.Second).CheckImage(context.Background(), "https://cdn/x.png")
	if res.Err != nil {
		t.Fatalf("CheckImage() error: %v", res.Err)
	}
	if !res.Block || len(res.Categories) != 1 || res.Categories[0] != "nudity" {
		t.Errorf("result = %+v", res)
	}
	if polls.Load() != 3 {
		t.Errorf("polls = %d, want 3", polls.Load())
	}
}

func TestCheckImageFailsOpenOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	res := newTestClient(srv.URL, 5*time.Second).CheckImage(context.Background(), "https://cdn/x.png")
	if res.Block {
		t.Error("server error blocked content")
	}
	if res.Err == nil {
		t.Error("error not reported")
	}
}

func TestCheckImageFailsOpenOnBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			fmt.Fprint(w, `{"job_id": "j1"}`)
			return
		}
		fmt.Fprint(w, `{"status": "pending"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 30*time.Millisecond)
	c.pollEvery = 5 * time.Millisecond
	res := c.CheckImage(context.Background(), "https://cdn/x.png")
	if res.Block {
		t.Error("budget exhaustion blocked content")
	}
	if res.Err == nil {
		t.Error("budget exhaustion reported no error")
	}
}

func TestDisabledClientApprovesWithoutNetwork(t *testing.T) {
	c := newTestClient("", time.Second)
	if c.Enabled() {
		t.Error("empty endpoint reported enabled")
	}
	res := c.CheckImage(context.Background(), "https://cdn/x.png")
	if res.Block || res.Err != nil {
		t.Errorf("disabled result = %+v", res)
	}
	if c.Block(context.Background(), "https://cdn/x.png") {
		t.Error("disabled client blocked")
	}
}
