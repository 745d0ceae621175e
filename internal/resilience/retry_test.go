package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fastPolicy keeps retry tests quick without changing the loop shape.
var fastPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
}

func TestRetryTransientThenSucceeds(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastPolicy, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return Transientf("attempt %d failed", attempts)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() = %v, want nil", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryPermanentStopsImmediately(t *testing.T) {
	sentinel := errors.New("schema rejected")
	attempts := 0
	err := Retry(context.Background(), fastPolicy, func(context.Context) error {
		attempts++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Retry() = %v, want wrapped sentinel", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetryUnclassifiedStopsImmediately(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastPolicy, func(context.Context) error {
		attempts++
		return errors.New("unexpected")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	sentinel := errors.New("still down")
	attempts := 0
	err := Retry(context.Background(), fastPolicy, func(context.Context) error {
		attempts++
		return Transient(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Retry() = %v, want last transient error", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryStopsWhenContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Retry(ctx, RetryPolicy{MaxAttempts: 5, InitialInterval: 100 * time.Millisecond}, func(context.Context) error {
		attempts++
		cancel()
		return Transientf("attempt %d", attempts)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry() = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}
