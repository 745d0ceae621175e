// Package resilience provides the fault-handling primitives shared by every
// external call the pipeline makes: classified errors, bounded retry with
// exponential backoff, per-provider circuit breakers, fair counting
// semaphores, TTL caches, and per-call timeouts.
//
// Classification drives everything else. Transient errors retry and count
// against circuit breakers; permanent errors fail fast and leave breakers
// alone. Errors that carry no class are treated as permanent.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class labels an error as retryable or not.
type Class string

const (
	// ClassTransient covers network faults, 5xx responses, rate limits,
	// and timeouts. Retrying may succeed.
	ClassTransient Class = "transient"

	// ClassPermanent covers 4xx responses, validation and schema errors,
	// and auth failures. Retrying cannot succeed.
	ClassPermanent Class = "permanent"
)

type classifiedError struct {
	class Class
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient marks err as retryable. Returns nil if err is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ClassTransient, err: err}
}

// Permanent marks err as not retryable. Returns nil if err is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ClassPermanent, err: err}
}

// Transientf formats a new transient error.
func Transientf(format string, args ...any) error {
	return &classifiedError{class: ClassTransient, err: fmt.Errorf(format, args...)}
}

// Permanentf formats a new permanent error.
func Permanentf(format string, args ...any) error {
	return &classifiedError{class: ClassPermanent, err: fmt.Errorf(format, args...)}
}

// ClassOf reports the class of err. The outermost explicit marker wins, so
// a layer that re-classifies an error overrides whatever is underneath.
// Unmarked errors fall back to: canceled contexts are permanent, expired
// deadlines and net errors are transient, everything else is permanent.
func ClassOf(err error) Class {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassTransient
	}
	return ClassPermanent
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == ClassTransient
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	return err != nil && ClassOf(err) == ClassPermanent
}

// ClassifyStatus maps an HTTP response status to an error class. Request
// timeouts (408), early hints rejected (425), and rate limits (429) are
// transient even though they sit in the 4xx range.
func ClassifyStatus(status int) Class {
	switch {
	case status == 408, status == 425, status == 429:
		return ClassTransient
	case status >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// StatusError builds a classified error for an HTTP response status. The
// status code is appended to the formatted message.
func StatusError(status int, format string, args ...any) error {
	err := fmt.Errorf("%s: status %d", fmt.Sprintf(format, args...), status)
	return &classifiedError{class: ClassifyStatus(status), err: err}
}
