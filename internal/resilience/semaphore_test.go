package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestGateBoundsConcurrency(t *testing.T) {
	g := NewGate(2)

	var mu sync.Mutex
	current, peak := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Run(context.Background(), func(context.Context) error {
				mu.Lock()
				current++
				if current > peak {
					peak = current
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				current--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("Run() = %v", err)
			}
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestGateReleasesSlotOnPanic(t *testing.T) {
	g := NewGate(1)

	func() {
		defer func() { _ = recover() }()
		_ = g.Run(context.Background(), func(context.Context) error {
			panic("node blew up")
		})
	}()

	release, ok := g.TryAcquire()
	if !ok {
		t.Fatal("slot not returned after panic")
	}
	release()
}

func TestGateReleaseIsIdempotent(t *testing.T) {
	g := NewGate(1)

	release, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	release()
	release()

	r1, ok := g.TryAcquire()
	if !ok {
		t.Fatal("first acquire should succeed")
	}
	defer r1()
	if _, ok := g.TryAcquire(); ok {
		t.Fatal("double release minted an extra slot")
	}
}

func TestGateAcquireHonorsCancellation(t *testing.T) {
	g := NewGate(1)

	release, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire() = %v, want context.Canceled", err)
	}
}

func TestGateCapacityFloor(t *testing.T) {
	if got := NewGate(0).Capacity(); got != 1 {
		t.Errorf("Capacity() = %d, want 1", got)
	}
	if got := NewGate(4).Capacity(); got != 4 {
		t.Errorf("Capacity() = %d, want 4", got)
	}
}
