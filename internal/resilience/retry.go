// Package resilience provides infrastructure-level fault tolerance —
// transient-error backoff and circuit breaking around the storage adapter —
// distinct from the domain-level retry.Policy applied to task handlers.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry executes fn with exponential backoff and full jitter, used by the
// executor to best-effort retry transient storage writes (status updates,
// run-count bumps) without ever surfacing the error to the caller.
//
// retryable, when non-nil, is consulted after every failed attempt: once it
// reports false the loop stops immediately instead of burning its remaining
// attempts and backoff sleeps. This matters for the executor's status
// writes specifically, since a storage.ErrNotFound there means the task's
// row is already gone (deleted by a concurrent terminal transition) —
// backing off and retrying the exact same write cannot change that outcome.
// A nil retryable treats every error as worth retrying.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, retryable func(error) bool, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("evertask")
	attemptCounter, _ := meter.Int64Counter("evertask_storage_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("evertask_storage_retry_success_total")
	failCounter, _ := meter.Int64Counter("evertask_storage_retry_fail_total")
	abandonedCounter, _ := meter.Int64Counter("evertask_storage_retry_abandoned_total")

	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if !retryable(err) {
			abandonedCounter.Add(ctx, 1)
			return zero, err
		}
		if i == attempts-1 {
			break
		}
		if cur > 30*time.Second {
			cur = 30 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
