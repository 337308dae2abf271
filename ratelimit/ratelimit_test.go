package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

// collectSleeps replaces the limiter's sleep with one that records durations.
func collectSleeps(l *Limiter) *[]time.Duration {
	var slept []time.Duration
	l.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return &slept
}

func TestExecuteSuccessFirstTry(t *testing.T) {
	l := New(time.Second, time.Minute, 5)
	slept := collectSleeps(l)

	calls := 0
	err := l.Execute(context.Background(), "k", func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %v, want no sleeps", *slept)
	}
}

func TestBackoffDoublesAndResets(t *testing.T) {
	l := New(time.Second, time.Minute, 10)
	collectSleeps(l)

	calls := 0
	err := l.Execute(context.Background(), "k", func() error {
		calls++
		if calls < 4 {
			return &TransientError{Err: errors.New("boom")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	// three failures: base -> 2x -> 4x
	if d := l.delays["k"]; d != time.Second {
		t.Errorf("delay after success = %v, want reset to base", d)
	}
}

func TestBackoffCeiling(t *testing.T) {
	l := New(time.Second, 4*time.Second, 10)
	collectSleeps(l)

	calls := 0
	_ = l.Execute(context.Background(), "k", func() error {
		calls++
		if calls < 8 {
			return &TransientError{Err: errors.New("boom")}
		}
		return nil
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.delays["k"] > 4*time.Second {
		t.Errorf("delay = %v exceeds ceiling", l.delays["k"])
	}
}

func TestRetryAfterHonoredExactly(t *testing.T) {
	l := New(time.Second, time.Minute, 5)
	slept := collectSleeps(l)

	calls := 0
	err := l.Execute(context.Background(), "k", func() error {
		calls++
		if calls == 1 {
			return &RateLimitedError{RetryAfter: 1234 * time.Millisecond}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if len(*slept) != 1 || (*slept)[0] != 1234*time.Millisecond {
		t.Errorf("slept %v, want exactly [1.234s]", *slept)
	}
}

func TestPermanentErrorPropagatesImmediately(t *testing.T) {
	l := New(time.Second, time.Minute, 5)
	collectSleeps(l)

	want := errors.New("bad request")
	calls := 0
	err := l.Execute(context.Background(), "k", func() error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent error)", calls)
	}
}

func TestAttemptCapReturnsLastError(t *testing.T) {
	l := New(time.Millisecond, time.Second, 3)
	collectSleeps(l)

	calls := 0
	err := l.Execute(context.Background(), "k", func() error {
		calls++
		return &TransientError{Err: errors.New("always down")}
	})
	if err == nil {
		t.Fatal("Execute() succeeded, want error after attempt cap")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoReturnsValue(t *testing.T) {
	l := New(time.Millisecond, time.Second, 3)
	collectSleeps(l)

	calls := 0
	v, err := Do(context.Background(), l, "k", func() (string, error) {
		calls++
		if calls == 1 {
			return "", &TransientError{Err: errors.New("flaky")}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if v != "ok" {
		t.Errorf("Do() = %q, want ok", v)
	}
}

func TestPerKeyIsolation(t *testing.T) {
	l := New(time.Second, time.Minute, 5)
	collectSleeps(l)

	_ = l.Execute(context.Background(), "a", func() error {
		return &TransientError{Err: errors.New("x")}
	})
	if err := l.Execute(context.Background(), "b", func() error { return nil }); err != nil {
		t.Fatalf("key b affected by key a: %v", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.delays["b"] != time.Second {
		t.Errorf("key b delay = %v, want base", l.delays["b"])
	}
}

func TestContextCancelDuringSleep(t *testing.T) {
	l := New(time.Hour, time.Hour, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Execute(ctx, "k", func() error {
		return &TransientError{Err: errors.New("x")}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
