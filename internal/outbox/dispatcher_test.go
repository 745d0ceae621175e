package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cohortforge/sieve/internal/resilience"
	"github.com/cohortforge/sieve/internal/storage/memory"
	"github.com/cohortforge/sieve/internal/types"
)

// fakeHandler records invocations and delegates to fn when set.
type fakeHandler struct {
	mu    sync.Mutex
	calls int
	last  *types.OutboxEvent
	fn    func(ctx context.Context, ev *types.OutboxEvent) error
}

func (h *fakeHandler) Name() string      { return "fake" }
func (h *fakeHandler) Handles() []string { return []string{EventProtocolUploaded} }

func (h *fakeHandler) Handle(ctx context.Context, ev *types.OutboxEvent) error {
	h.mu.Lock()
	h.calls++
	h.last = ev
	h.mu.Unlock()
	if h.fn != nil {
		return h.fn(ctx, ev)
	}
	return nil
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func newTestDispatcher(t *testing.T, store *memory.Store, h Handler, opts Options) *Dispatcher {
	t.Helper()
	reg := NewRegistry()
	if h != nil {
		if err := reg.Register(h); err != nil {
			t.Fatalf("register handler: %v", err)
		}
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "worker-test"
	}
	if opts.RetryBase == 0 {
		opts.RetryBase = time.Millisecond
	}
	return NewDispatcher(store, reg, zap.NewNop(), opts)
}

func enqueueUpload(t *testing.T, store *memory.Store, protocolID string) *types.OutboxEvent {
	t.Helper()
	ev, err := NewProtocolUploadedEvent(protocolID, "local://trials/"+protocolID+".pdf", "Trial "+protocolID, 1)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	if err := store.EnqueueEvent(context.Background(), ev); err != nil {
		t.Fatalf("enqueue event: %v", err)
	}
	return ev
}

func statusCounts(t *testing.T, store *memory.Store) map[types.OutboxStatus]int {
	t.Helper()
	counts, err := store.CountEventsByStatus(context.Background())
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return counts
}

// drainUntil polls DrainOnce until cond holds or the deadline passes. Retried
// events carry a short jittered next_attempt_at, so tests poll instead of
// sleeping for an exact schedule.
func drainUntil(t *testing.T, d *Dispatcher, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		if _, err := d.DrainOnce(context.Background()); err != nil {
			t.Fatalf("drain: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestDispatcherPublishesOnSuccess(t *testing.T) {
	store := memory.New()
	h := &fakeHandler{}
	d := newTestDispatcher(t, store, h, Options{})
	ev := enqueueUpload(t, store, "NCT00000001")

	n, err := d.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 1 {
		t.Fatalf("claimed %d events, want 1", n)
	}
	if h.callCount() != 1 {
		t.Fatalf("handler called %d times, want 1", h.callCount())
	}
	if h.last.ID != ev.ID {
		t.Errorf("handler saw event %s, want %s", h.last.ID, ev.ID)
	}

	counts := statusCounts(t, store)
	if counts[types.OutboxPublished] != 1 {
		t.Errorf("published count = %d, want 1", counts[types.OutboxPublished])
	}

	// A published event is never claimable again.
	if n, _ := d.DrainOnce(context.Background()); n != 0 {
		t.Errorf("second drain claimed %d events, want 0", n)
	}
}

func TestDispatcherRetriesTransientThenPublishes(t *testing.T) {
	store := memory.New()
	h := &fakeHandler{}
	h.fn = func(ctx context.Context, ev *types.OutboxEvent) error {
		if h.calls == 1 {
			return resilience.Transient(errors.New("provider hiccup"))
		}
		return nil
	}
	d := newTestDispatcher(t, store, h, Options{MaxRetries: 3})
	enqueueUpload(t, store, "NCT00000002")

	drainUntil(t, d, func() bool {
		return statusCounts(t, store)[types.OutboxPublished] == 1
	})
	if h.callCount() != 2 {
		t.Errorf("handler called %d times, want 2", h.callCount())
	}
}

func TestDispatcherDeadLettersAfterRetryCap(t *testing.T) {
	store := memory.New()
	h := &fakeHandler{fn: func(ctx context.Context, ev *types.OutboxEvent) error {
		return resilience.Transient(errors.New("still down"))
	}}
	d := newTestDispatcher(t, store, h, Options{MaxRetries: 2})
	enqueueUpload(t, store, "NCT00000003")

	drainUntil(t, d, func() bool {
		return statusCounts(t, store)[types.OutboxDeadLetter] == 1
	})
	// First attempt plus two retries.
	if h.callCount() != 3 {
		t.Errorf("handler called %d times, want 3", h.callCount())
	}
	if got := statusCounts(t, store)[types.OutboxPending]; got != 0 {
		t.Errorf("pending count = %d, want 0", got)
	}
}

func TestDispatcherPermanentErrorFailsWithoutRetry(t *testing.T) {
	store := memory.New()
	h := &fakeHandler{fn: func(ctx context.Context, ev *types.OutboxEvent) error {
		return errors.New("payload malformed") // unclassified counts as permanent
	}}
	d := newTestDispatcher(t, store, h, Options{MaxRetries: 3})
	enqueueUpload(t, store, "NCT00000004")

	if _, err := d.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	counts := statusCounts(t, store)
	if counts[types.OutboxFailed] != 1 {
		t.Fatalf("failed count = %d, want 1", counts[types.OutboxFailed])
	}
	if h.callCount() != 1 {
		t.Errorf("handler called %d times, want 1", h.callCount())
	}
}

func TestDispatcherFailsEventWithNoHandler(t *testing.T) {
	store := memory.New()
	d := newTestDispatcher(t, store, nil, Options{})
	enqueueUpload(t, store, "NCT00000005")

	if _, err := d.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := statusCounts(t, store)[types.OutboxFailed]; got != 1 {
		t.Errorf("failed count = %d, want 1", got)
	}
}

func TestDispatcherPanicGuard(t *testing.T) {
	store := memory.New()
	h := &fakeHandler{fn: func(ctx context.Context, ev *types.OutboxEvent) error {
		panic("handler bug")
	}}
	d := newTestDispatcher(t, store, h, Options{MaxRetries: 1})
	enqueueUpload(t, store, "NCT00000006")

	// The panic must not escape DrainOnce; the attempt counts as transient
	// and the event dead-letters once the cap is hit.
	drainUntil(t, d, func() bool {
		return statusCounts(t, store)[types.OutboxDeadLetter] == 1
	})
	if h.callCount() != 2 {
		t.Errorf("handler called %d times, want 2", h.callCount())
	}
}

func TestDispatcherHandlerTimeout(t *testing.T) {
	store := memory.New()
	h := &fakeHandler{fn: func(ctx context.Context, ev *types.OutboxEvent) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	d := newTestDispatcher(t, store, h, Options{MaxRetries: 3, HandlerTimeout: 5 * time.Millisecond})
	enqueueUpload(t, store, "NCT00000007")

	if _, err := d.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	// Deadline expiry classifies transient, so the event is pending again.
	counts := statusCounts(t, store)
	if counts[types.OutboxPending] != 1 {
		t.Errorf("pending count = %d, want 1 (got %v)", counts[types.OutboxPending], counts)
	}
}

func TestDispatcherHonorsBatchSize(t *testing.T) {
	store := memory.New()
	h := &fakeHandler{}
	d := newTestDispatcher(t, store, h, Options{BatchSize: 2})
	for _, id := range []string{"NCT00000010", "NCT00000011", "NCT00000012", "NCT00000013", "NCT00000014"} {
		enqueueUpload(t, store, id)
	}

	n, err := d.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 2 {
		t.Fatalf("claimed %d events, want 2", n)
	}
	if got := statusCounts(t, store)[types.OutboxPending]; got != 3 {
		t.Errorf("pending count = %d, want 3", got)
	}
}

func TestSweepRecoversStuckClaims(t *testing.T) {
	store := memory.New()
	enqueueUpload(t, store, "NCT00000020")

	// Another worker claims the event and dies.
	claimed, err := store.ClaimDueEvents(context.Background(), "worker-crashed", 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d events, want 1", len(claimed))
	}

	h := &fakeHandler{}
	d := newTestDispatcher(t, store, h, Options{StuckTimeout: time.Millisecond})
	time.Sleep(5 * time.Millisecond)
	d.Sweep(context.Background())

	if got := statusCounts(t, store)[types.OutboxPending]; got != 1 {
		t.Fatalf("pending count after sweep = %d, want 1", got)
	}
	if _, err := d.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if h.callCount() != 1 {
		t.Errorf("handler called %d times after recovery, want 1", h.callCount())
	}
}

func TestSweepArchivesExpiredDeadLetters(t *testing.T) {
	store := memory.New()
	ev := enqueueUpload(t, store, "NCT00000021")
	if _, err := store.ClaimDueEvents(context.Background(), "w", 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkEventDead(context.Background(), ev.ID, "exhausted"); err != nil {
		t.Fatalf("mark dead: %v", err)
	}

	d := newTestDispatcher(t, store, &fakeHandler{}, Options{DeadLetterTTL: time.Millisecond})
	time.Sleep(5 * time.Millisecond)
	d.Sweep(context.Background())

	counts := statusCounts(t, store)
	if counts[types.OutboxDeadLetter] != 0 {
		t.Errorf("dead_letter count after sweep = %d, want 0", counts[types.OutboxDeadLetter])
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := memory.New()
	d := newTestDispatcher(t, store, &fakeHandler{}, Options{PollInterval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	enqueueUpload(t, store, "NCT00000030")
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if got := statusCounts(t, store)[types.OutboxPublished]; got != 1 {
		t.Errorf("published count = %d, want 1", got)
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	base := time.Second
	for retry := 0; retry < 8; retry++ {
		d := retryDelay(base, retry)
		unjittered := base << uint(retry)
		if unjittered > maxRetryDelay {
			unjittered = maxRetryDelay
		}
		lo := time.Duration(float64(unjittered) * 0.5)
		hi := time.Duration(float64(unjittered) * 1.5)
		if d < lo || d > hi {
			t.Errorf("retryDelay(%v, %d) = %v, want within [%v, %v]", base, retry, d, lo, hi)
		}
	}

	// Far past the cap the schedule stays bounded.
	if d := retryDelay(base, 40); d > time.Duration(float64(maxRetryDelay)*1.5) {
		t.Errorf("retryDelay at retry 40 = %v, exceeds jittered cap", d)
	}
}
