package domain

import (
	"context"
	"errors"
)

// FailureKind buckets errors for routing: retryable failures go back through
// the distributed queue's retry path, permanent ones mark the job failed.
type FailureKind string

// Failure kinds.
const (
	FailureInvalidInput FailureKind = "invalid_input"
	FailureTransient    FailureKind = "transient"
	FailurePermanent    FailureKind = "permanent"
	FailureNotFound     FailureKind = "not_found"
)

// Classify maps an error onto the failure taxonomy. Unknown errors default
// to transient so that at-least-once delivery errs on the side of retrying.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrInsufficientCredits):
		return FailureInvalidInput
	case errors.Is(err, ErrNotFound):
		return FailureNotFound
	case errors.Is(err, ErrPermanentUpstream), errors.Is(err, ErrConflict):
		return FailurePermanent
	case errors.Is(err, ErrTransient),
		errors.Is(err, ErrUpstreamTimeout),
		errors.Is(err, ErrUpstreamRateLimit),
		errors.Is(err, context.DeadlineExceeded):
		return FailureTransient
	default:
		return FailureTransient
	}
}

// Retryable reports whether the error should re-enter the retry path.
func Retryable(err error) bool { return Classify(err) == FailureTransient }
