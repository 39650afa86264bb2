package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Transient storage errors retry on a fixed schedule before surfacing as
// ErrStorageUnavailable. The schedule is part of the service contract: three
// retries at 50, 200, and 800 ms.
var retrySchedule = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 800 * time.Millisecond}

// withRetry runs op, retrying transient failures per the schedule. Permanent
// errors (NotFound, AlreadyReviewed, cancellation) pass through untouched.
func withRetry(ctx context.Context, op func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt >= len(retrySchedule) {
			break
		}
		select {
		case <-time.After(retrySchedule[attempt]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

// isTransient classifies an error as retryable. Domain errors and caller
// cancellation are permanent; everything else (connection trouble, timeouts
// inside the driver) gets the retry schedule.
func isTransient(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyReviewed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
