package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry defaults. MaxElapsed has no default cap; the context deadline and
// the attempt count bound the loop.
const (
	defaultMaxAttempts     = 3
	defaultInitialInterval = 250 * time.Millisecond
	defaultMaxInterval     = 5 * time.Second
)

// RetryPolicy bounds a retry loop. Zero values fall back to defaults.
type RetryPolicy struct {
	MaxAttempts     uint64        // total attempts including the first
	InitialInterval time.Duration // delay before the first retry
	MaxInterval     time.Duration // backoff ceiling
	MaxElapsed      time.Duration // total budget across attempts, 0 = unbounded
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = defaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = defaultMaxInterval
	}
	return p
}

// Retry runs op until it succeeds, returns a permanent error, exhausts the
// attempt budget, or ctx is done. Delays grow exponentially with the
// backoff library's default randomization, so concurrent retry loops do
// not synchronize.
//
// Only transient errors retry. The last error is returned on exhaustion;
// ctx.Err() is returned when the context ends the loop.
func Retry(ctx context.Context, p RetryPolicy, op func(ctx context.Context) error) error {
	p = p.withDefaults()

	// BackOff implementations are stateful; always build a fresh one.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.MaxElapsedTime = p.MaxElapsed

	var schedule backoff.BackOff = backoff.WithContext(bo, ctx)
	schedule = backoff.WithMaxRetries(schedule, p.MaxAttempts-1)

	return backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, schedule)
}
