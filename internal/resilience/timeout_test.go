package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithTimeoutExpires(t *testing.T) {
	err := WithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WithTimeout() = %v, want DeadlineExceeded", err)
	}
	if !IsTransient(err) {
		t.Error("deadline expiry should classify transient")
	}
}

func TestWithTimeoutZeroAppliesNoDeadline(t *testing.T) {
	err := WithTimeout(context.Background(), 0, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("unexpected deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTimeout() = %v", err)
	}
}

func TestWithTimeoutParentDeadlineWins(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := WithTimeout(parent, time.Hour, func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		if !ok {
			t.Fatal("expected a deadline")
		}
		if time.Until(deadline) > time.Second {
			t.Errorf("deadline %v ignores the sooner parent", deadline)
		}
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WithTimeout() = %v, want DeadlineExceeded", err)
	}
}
