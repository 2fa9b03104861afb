package client

import (
	"context"
	"errors"
	"fmt"
)

// ErrAborted is returned when an operation is cancelled, either before
// an attempt starts or while waiting out a backoff delay. It wraps the
// underlying cause so errors.Is(err, context.Canceled) keeps working.
var ErrAborted = errors.New("fetch aborted")

// abortError wraps the cancellation cause in ErrAborted.
func abortError(cause error) error {
	if cause == nil {
		cause = context.Canceled
	}
	if errors.Is(cause, ErrAborted) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrAborted, cause)
}

// IsAborted reports whether err represents a cancellation rather than
// an upstream failure. Aborted failures must propagate unchanged; they
// are never downgraded to a soft "no result".
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
