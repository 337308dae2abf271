package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Bucket is one named object-store bucket. Upload returns the public URL
// of the stored object.
type Bucket interface {
	Upload(ctx context.Context, objectPath string, data []byte, contentType string) (string, error)
	PublicURL(objectPath string) string
}

type objectBackend interface {
	bucket(name string) Bucket
}

// localObjects stores objects under a directory tree, for dev and tests.
type localObjects struct {
	dir     string
	baseURL string
}

func newLocalObjects(dir, baseURL string) *localObjects {
	if baseURL == "" {
		baseURL = "file://" + dir
	}
	return &localObjects{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}
}

func (l *localObjects) bucket(name string) Bucket {
	return &localBucket{parent: l, name: name}
}

type localBucket struct {
	parent *localObjects
	name   string
}

func (b *localBucket) Upload(_ context.Context, objectPath string, data []byte, _ string) (string, error) {
	full := filepath.Join(b.parent.dir, b.name, filepath.FromSlash(objectPath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	return b.PublicURL(objectPath), nil
}

func (b *localBucket) PublicURL(objectPath string) string {
	return b.parent.baseURL + "/" + path.Join(b.name, objectPath)
}

// supabaseObjects talks to the Supabase storage REST API.
type supabaseObjects struct {
	baseURL    string
	serviceKey string
	client     *http.Client
}

func newSupabaseObjects(baseURL, serviceKey string) *supabaseObjects {
	return &supabaseObjects{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		client:     &http.Client{Timeout: 60 * time.Second},
	}
}

func (s *supabaseObjects) bucket(name string) Bucket {
	return &supabaseBucket{parent: s, name: name}
}

type supabaseBucket struct {
	parent *supabaseObjects
	name   string
}

func (b *supabaseBucket) Upload(ctx context.Context, objectPath string, data []byte, contentType string) (string, error) {
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s",
		b.parent.baseURL, url.PathEscape(b.name), escapePath(objectPath))

	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelays[attempt-1]):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
		if err != nil {
			return "", fmt.Errorf("build upload request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+b.parent.serviceKey)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("x-upsert", "true")

		resp, err := b.parent.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return b.PublicURL(objectPath), nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("upload: transient HTTP %d", resp.StatusCode)
		default:
			return "", fmt.Errorf("upload: HTTP %d: %s: %w",
				resp.StatusCode, strings.TrimSpace(string(body)), ErrPermanent)
		}
	}
	return "", fmt.Errorf("upload %s/%s: retries exhausted: %w", b.name, objectPath, lastErr)
}

func (b *supabaseBucket) PublicURL(objectPath string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s",
		b.parent.baseURL, url.PathEscape(b.name), escapePath(objectPath))
}

// escapePath escapes each segment while keeping the separators.
func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
