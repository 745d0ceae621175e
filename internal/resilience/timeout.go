package resilience

import (
	"context"
	"time"
)

// WithTimeout runs op under a deadline of d from now. A d of 0 or less
// applies no extra deadline. The parent context's deadline still wins when
// it is sooner. Deadline expiry surfaces as context.DeadlineExceeded, which
// classifies as transient.
func WithTimeout(ctx context.Context, d time.Duration, op func(ctx context.Context) error) error {
	if d <= 0 {
		return op(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return op(ctx)
}
