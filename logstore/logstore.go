// Package logstore provides a slog.Handler that tees records to an inner
// handler and persists them as system_logs rows through the store. Writes are
// asynchronous so a slow database never blocks a log call, and write failures
// are dropped rather than logged to avoid recursion.
package logstore

import (
	"context"
	"log/slog"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/mwestra/chronicle/store"
)

var jsonx = jsoniter.ConfigCompatibleWithStandardLibrary

// Sink receives log rows. *store.Table satisfies it.
type Sink interface {
	Insert(ctx context.Context, rows ...any) error
}

// Handler tees slog records to an inner handler and to a Sink. Only records
// at or above minLevel are persisted; the inner handler keeps its own filter.
type Handler struct {
	inner    slog.Handler
	minLevel slog.Level
	preAttrs map[string]string

	ch     chan store.SystemLog
	done   chan struct{}
	closed sync.Once
	host   string
}

// NewHandler wraps inner with a tee to sink. Records below minLevel are
// printed but not persisted.
func NewHandler(inner slog.Handler, sink Sink, minLevel slog.Level) *Handler {
	host, _ := os.Hostname()
	h := &Handler{
		inner:    inner,
		minLevel: minLevel,
		preAttrs: make(map[string]string),
		ch:       make(chan store.SystemLog, 256),
		done:     make(chan struct{}),
		host:     host,
	}
	go h.writer(sink)
	return h
}

// writer drains the channel until Close. Insert errors are intentionally
// swallowed; reporting them through slog would recurse into this handler.
func (h *Handler) writer(sink Sink) {
	defer close(h.done)
	for row := range h.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = sink.Insert(ctx, row)
		cancel()
	}
}

// Close stops accepting rows and waits for queued rows to be written.
func (h *Handler) Close() {
	h.closed.Do(func() {
		close(h.ch)
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
		}
	})
}

func (h *Handler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	child := h.clone(h.inner.WithAttrs(attrs))
	for _, a := range attrs {
		child.preAttrs[a.Key] = a.Value.String()
	}
	return child
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return h.clone(h.inner.WithGroup(name))
}

func (h *Handler) clone(inner slog.Handler) *Handler {
	child := &Handler{
		inner:    inner,
		minLevel: h.minLevel,
		preAttrs: make(map[string]string, len(h.preAttrs)),
		ch:       h.ch,
		done:     h.done,
		host:     h.host,
	}
	for k, v := range h.preAttrs {
		child.preAttrs[k] = v
	}
	return child
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}
	if r.Level < h.minLevel {
		return nil
	}

	extra := make(map[string]any, len(h.preAttrs))
	for k, v := range h.preAttrs {
		extra[k] = v
	}
	var exception string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "error" {
			exception = a.Value.String()
			return true
		}
		extra[a.Key] = a.Value.Any()
		return true
	})

	row := store.SystemLog{
		Timestamp:  r.Time.UTC(),
		Level:      r.Level.String(),
		LoggerName: h.preAttrs["component"],
		Message:    r.Message,
		Exception:  exception,
		Hostname:   h.host,
	}
	if len(extra) > 0 {
		if b, err := jsonx.Marshal(extra); err == nil {
			row.Extra = string(b)
		}
	}
	if r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		row.Module = moduleName(frame.Function)
		row.Function = frame.Function
		row.Line = frame.Line
	}

	// Drop when the queue is full: logging must never block on the database.
	select {
	case h.ch <- row:
	default:
	}
	return nil
}

// moduleName extracts the package from a fully qualified function name,
// e.g. "github.com/x/y/indexer.(*Indexer).flush" yields "indexer".
func moduleName(fn string) string {
	if fn == "" {
		return ""
	}
	base := path.Base(fn)
	if i := strings.Index(base, "."); i > 0 {
		return base[:i]
	}
	return base
}
