package outbox

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cohortforge/sieve/internal/resilience"
	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/types"
)

// Options tune the dispatcher. Unset durations and sizes fall back to the
// defaults below; MaxRetries and HandlerTimeout give zero its own meaning.
type Options struct {
	// WorkerID is stamped on claimed rows so stuck claims can be traced to
	// the worker that held them.
	WorkerID string

	// PollInterval is the claim cadence.
	PollInterval time.Duration

	// BatchSize caps the events claimed per poll.
	BatchSize int

	// MaxRetries is the number of retries after the first attempt before an
	// event dead-letters. 0 means no retries.
	MaxRetries int

	// HandlerTimeout bounds a single Handle call. 0 applies no deadline.
	HandlerTimeout time.Duration

	// RetryBase is the backoff unit: the nth retry waits about
	// RetryBase*2^n, jittered.
	RetryBase time.Duration

	// SweepInterval is the cadence of stuck-claim recovery and dead-letter
	// archival. 0 disables the sweeper; archival then happens only lazily
	// on protocol reads.
	SweepInterval time.Duration

	// StuckTimeout is how long an in_flight claim may stand before the
	// sweeper assumes the worker died and returns the event to pending.
	StuckTimeout time.Duration

	// DeadLetterTTL is how long dead-letter events stay inspectable before
	// archival removes them.
	DeadLetterTTL time.Duration

	// Registerer receives the dispatcher's prometheus collectors. nil
	// leaves them unregistered.
	Registerer prometheus.Registerer
}

const (
	defaultPollInterval  = time.Second
	defaultBatchSize     = 10
	defaultMaxRetries    = 3
	defaultRetryBase     = time.Second
	defaultStuckTimeout  = 5 * time.Minute
	defaultDeadLetterTTL = 7 * 24 * time.Hour

	// maxRetryDelay caps the backoff schedule before jitter.
	maxRetryDelay = 5 * time.Minute
)

func (o Options) withDefaults() Options {
	if o.WorkerID == "" {
		o.WorkerID = "sieve-worker"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.HandlerTimeout < 0 {
		o.HandlerTimeout = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = defaultRetryBase
	}
	if o.StuckTimeout <= 0 {
		o.StuckTimeout = defaultStuckTimeout
	}
	if o.DeadLetterTTL <= 0 {
		o.DeadLetterTTL = defaultDeadLetterTTL
	}
	return o
}

// Dispatcher polls the outbox and routes claimed events to handlers. Run as
// many dispatchers as you like across processes; the conditional-update
// claim guarantees each event is processed by at most one at a time.
type Dispatcher struct {
	store    storage.Storage
	registry *Registry
	log      *zap.Logger
	opts     Options
	metrics  *metrics
}

// NewDispatcher wires a dispatcher over a store and a handler registry.
func NewDispatcher(store storage.Storage, registry *Registry, logger *zap.Logger, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:    store,
		registry: registry,
		log:      logger.Named("outbox"),
		opts:     opts,
		metrics:  newMetrics(opts.Registerer),
	}
}

// Run polls until the context is canceled. Cancellation is a clean stop and
// returns nil; claimed-but-unprocessed events are recovered by the stuck
// sweeper of whichever worker runs next.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started",
		zap.String("worker_id", d.opts.WorkerID),
		zap.Duration("poll_interval", d.opts.PollInterval),
		zap.Int("batch_size", d.opts.BatchSize),
		zap.Strings("event_types", d.registry.Types()))

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	var sweep <-chan time.Time
	if d.opts.SweepInterval > 0 {
		sweeper := time.NewTicker(d.opts.SweepInterval)
		defer sweeper.Stop()
		sweep = sweeper.C
	}

	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
			if _, err := d.DrainOnce(ctx); err != nil && ctx.Err() == nil {
				d.log.Error("drain failed", zap.Error(err))
			}
		case <-sweep:
			d.Sweep(ctx)
		}
	}
}

// DrainOnce claims one batch of due events and processes it sequentially.
// It reports how many events were claimed.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	events, err := d.store.ClaimDueEvents(ctx, d.opts.WorkerID, d.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	start := time.Now()
	for _, ev := range events {
		if ctx.Err() != nil {
			// Shutdown mid-batch. The rest stay in_flight until stuck
			// recovery returns them to pending.
			break
		}
		d.process(ctx, ev)
	}
	d.metrics.batchDuration.Observe(time.Since(start).Seconds())
	d.observeDepth(ctx)
	return len(events), nil
}

// process settles one claimed event from its handler outcome.
func (d *Dispatcher) process(ctx context.Context, ev *types.OutboxEvent) {
	handler, ok := d.registry.HandlerFor(ev.EventType)
	if !ok {
		d.settle(ctx, ev, "failed", func() error {
			return d.store.MarkEventFailed(ctx, ev.ID, fmt.Sprintf("no handler for event type %q", ev.EventType))
		})
		d.log.Warn("no handler for event",
			zap.String("event_id", ev.ID),
			zap.String("event_type", ev.EventType))
		return
	}

	err := d.invoke(ctx, handler, ev)
	switch {
	case err == nil:
		d.settle(ctx, ev, "published", func() error {
			return d.store.MarkEventPublished(ctx, ev.ID)
		})

	case !resilience.IsTransient(err):
		// Permanent or unclassified: retrying cannot fix it.
		d.settle(ctx, ev, "failed", func() error {
			return d.store.MarkEventFailed(ctx, ev.ID, err.Error())
		})
		d.log.Warn("event failed",
			zap.String("event_id", ev.ID),
			zap.String("event_type", ev.EventType),
			zap.Error(err))

	case ev.RetryCount >= d.opts.MaxRetries:
		d.settle(ctx, ev, "dead_letter", func() error {
			return d.store.MarkEventDead(ctx, ev.ID, err.Error())
		})
		d.log.Error("event dead-lettered",
			zap.String("event_id", ev.ID),
			zap.String("event_type", ev.EventType),
			zap.Int("attempts", ev.RetryCount+1),
			zap.Error(err))

	default:
		delay := retryDelay(d.opts.RetryBase, ev.RetryCount)
		d.settle(ctx, ev, "retried", func() error {
			return d.store.MarkEventRetry(ctx, ev.ID, err.Error(), time.Now().UTC().Add(delay))
		})
		d.log.Info("event scheduled for retry",
			zap.String("event_id", ev.ID),
			zap.String("event_type", ev.EventType),
			zap.Int("retry", ev.RetryCount+1),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
}

// invoke runs the handler under the configured timeout and a panic guard.
// A panic is reported as transient: the handler is idempotent by contract,
// so the retry path is safe and keeps a poisoned event bounded by the
// dead-letter cap.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, ev *types.OutboxEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = resilience.Transient(fmt.Errorf("handler %s panicked: %v", h.Name(), r))
		}
	}()
	return resilience.WithTimeout(ctx, d.opts.HandlerTimeout, func(ctx context.Context) error {
		return h.Handle(ctx, ev)
	})
}

// settle applies a terminal store update for this attempt. A failed update
// leaves the row in_flight, which stuck recovery will repair, so it is
// logged and not retried here.
func (d *Dispatcher) settle(ctx context.Context, ev *types.OutboxEvent, outcome string, update func() error) {
	if err := update(); err != nil {
		d.log.Error("settle event",
			zap.String("event_id", ev.ID),
			zap.String("outcome", outcome),
			zap.Error(err))
		return
	}
	d.metrics.events.WithLabelValues(outcome).Inc()
}

// Sweep recovers stuck claims and archives expired dead letters. It runs on
// the sweep ticker and can also be called directly (the HTTP surface uses it
// for lazy archival on protocol reads).
func (d *Dispatcher) Sweep(ctx context.Context) {
	if n, err := d.store.RecoverStuckEvents(ctx, d.opts.StuckTimeout); err != nil {
		d.log.Error("recover stuck events", zap.Error(err))
	} else if n > 0 {
		d.metrics.recovered.Add(float64(n))
		d.log.Warn("recovered stuck events", zap.Int("count", n))
	}

	if n, err := d.store.ArchiveDeadLetters(ctx, d.opts.DeadLetterTTL); err != nil {
		d.log.Error("archive dead letters", zap.Error(err))
	} else if n > 0 {
		d.metrics.archived.Add(float64(n))
		d.log.Info("archived dead letters", zap.Int("count", n))
	}

	d.observeDepth(ctx)
}

// observeDepth refreshes the per-status depth gauges. Absent statuses are
// zeroed explicitly so gauges do not go stale after a queue drains.
func (d *Dispatcher) observeDepth(ctx context.Context) {
	counts, err := d.store.CountEventsByStatus(ctx)
	if err != nil {
		d.log.Debug("count events", zap.Error(err))
		return
	}
	for _, status := range []types.OutboxStatus{
		types.OutboxPending,
		types.OutboxInFlight,
		types.OutboxPublished,
		types.OutboxFailed,
		types.OutboxDeadLetter,
	} {
		d.metrics.depth.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// retryDelay is the base-2 backoff schedule: base*2^retry capped at
// maxRetryDelay, then jittered into [0.5x, 1.5x] so a burst of failures does
// not come back as a burst of retries.
func retryDelay(base time.Duration, retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	delay := base << uint(retry)
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	return time.Duration(float64(delay) * (0.5 + rand.Float64()))
}
