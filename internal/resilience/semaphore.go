package resilience

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Gate is a fair counting semaphore bounding per-entity and per-criterion
// fan-out. Waiters acquire in FIFO order. The release func returned by
// Acquire is idempotent, so a slot is returned exactly once no matter how
// the caller exits.
type Gate struct {
	sem *semaphore.Weighted
	cap int64
}

// NewGate builds a gate with the given capacity. Capacities below 1 are
// raised to 1.
func NewGate(capacity int64) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{sem: semaphore.NewWeighted(capacity), cap: capacity}
}

// Capacity returns the gate's slot count.
func (g *Gate) Capacity() int64 { return g.cap }

// Acquire blocks until a slot is free or ctx is done. On success the
// returned func releases the slot; calling it more than once is safe.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { g.sem.Release(1) }) }, nil
}

// TryAcquire grabs a slot without blocking.
func (g *Gate) TryAcquire() (release func(), ok bool) {
	if !g.sem.TryAcquire(1) {
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(func() { g.sem.Release(1) }) }, true
}

// Run acquires a slot, runs fn, and releases the slot even if fn panics.
func (g *Gate) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}
