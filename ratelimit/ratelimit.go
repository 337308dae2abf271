// Package ratelimit provides per-key exponential backoff around remote calls.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// RateLimitedError signals the remote asked us to wait. When RetryAfter is
// set the limiter sleeps exactly that long instead of the backoff delay.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return "rate limited, retry after " + e.RetryAfter.String()
}

// TransientError marks a failure the limiter should back off and retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Limiter keeps per-key backoff state. Successful calls reset the key's
// delay to the base; rate-limited or transient failures double it up to
// the ceiling. Other errors propagate immediately.
type Limiter struct {
	mu       sync.Mutex
	delays   map[string]time.Duration
	base     time.Duration
	ceiling  time.Duration
	attempts int
	logger   *slog.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a limiter with the given base delay, ceiling, and attempt cap.
func New(base, ceiling time.Duration, attempts int) *Limiter {
	if attempts <= 0 {
		attempts = 5
	}
	return &Limiter{
		delays:   make(map[string]time.Duration),
		base:     base,
		ceiling:  ceiling,
		attempts: attempts,
		logger:   slog.Default(),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// jitter spreads a delay by ±10% so synchronized callers fan out.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := float64(d) * 0.1
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

func (l *Limiter) delay(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.delays[key]
	if !ok {
		d = l.base
		l.delays[key] = d
	}
	return d
}

func (l *Limiter) bump(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := l.delays[key] * 2
	if d == 0 {
		d = l.base
	}
	if d > l.ceiling {
		d = l.ceiling
	}
	l.delays[key] = d
}

func (l *Limiter) reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delays[key] = l.base
}

// Execute runs factory until it succeeds or the attempt cap is reached.
// factory must produce a fresh call on each invocation; the limiter never
// reuses a failed call's state.
func (l *Limiter) Execute(ctx context.Context, key string, factory func() error) error {
	_, err := Do(ctx, l, key, func() (struct{}, error) {
		return struct{}{}, factory()
	})
	return err
}

// Do is the generic form of Execute for calls that return a value.
func Do[T any](ctx context.Context, l *Limiter, key string, factory func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < l.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := factory()
		if err == nil {
			l.reset(key)
			return v, nil
		}
		lastErr = err

		var rl *RateLimitedError
		switch {
		case errors.As(err, &rl):
			l.bump(key)
			wait := rl.RetryAfter
			if wait <= 0 {
				wait = jitter(l.delay(key))
			}
			l.logger.Warn("rate limited", "key", key, "wait", wait, "attempt", attempt+1)
			if err := l.sleep(ctx, wait); err != nil {
				return zero, err
			}
		case isTransient(err):
			l.bump(key)
			wait := jitter(l.delay(key))
			l.logger.Warn("transient failure, backing off", "key", key, "wait", wait,
				"attempt", attempt+1, "error", err)
			if err := l.sleep(ctx, wait); err != nil {
				return zero, err
			}
		default:
			return zero, err
		}
	}
	return zero, lastErr
}

func isTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
