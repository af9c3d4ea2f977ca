package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoStopsAfterSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5, InitialInterval: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 4, InitialInterval: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected final error, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", calls)
	}
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 10, InitialInterval: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return Permanent(fatal)
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent error should stop retries, got %d attempts", calls)
	}
}

func TestDoRespectsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 100, InitialInterval: 50 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected an error after cancellation")
	}
	if calls != 1 {
		t.Fatalf("expected 1 attempt before cancel stopped retries, got %d", calls)
	}
}

func TestBackoffIntervalIsCapped(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitialInterval: 10 * time.Millisecond, MaxInterval: 15 * time.Millisecond, Multiplier: 4}

	start := time.Now()
	_ = Do(context.Background(), p, func(ctx context.Context) error {
		return errors.New("transient")
	})
	elapsed := time.Since(start)

	// 10ms + 15ms (capped from 40ms) plus scheduling slack.
	if elapsed > 200*time.Millisecond {
		t.Fatalf("backoff not capped, took %v", elapsed)
	}
}
