// Package retry provides the bounded-execution and backoff primitives
// shared by every outbound operation.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/ahmtydn/publish-store/internal/domain"
)

// Do invokes op up to policy.MaxAttempts times, sleeping the policy's
// deterministic backoff between attempts. It stops early when the
// failure is not classified retryable or the context is cancelled; the
// last error propagates unchanged.
func Do(ctx context.Context, policy domain.RetryPolicy, op func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if delay := policy.DelayBefore(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return domain.NewAborted("retry wait cancelled", ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if policy.Retryable != nil && !policy.Retryable(lastErr) {
			break
		}
	}
	return lastErr
}

// Deadline runs op under a hard wall-clock deadline. When the deadline
// elapses first the call fails with a timeout error and op's eventual
// result is discarded; cancelling ctx instead fails with an aborted
// error. op receives a context that is cancelled on either exit so it
// can stop early.
func Deadline(ctx context.Context, limit time.Duration, op func(ctx context.Context) error) error {
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(opCtx)
	}()

	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return domain.NewTimeout(fmt.Sprintf("operation exceeded deadline of %s", limit))
	case <-ctx.Done():
		return domain.NewAborted("operation cancelled", ctx.Err())
	}
}
