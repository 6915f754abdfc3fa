// Package resilience holds small generic helpers shared by background
// workers: exponential backoff with jitter for transient store errors, and
// a bounded poll loop for conditions that settle asynchronously (e.g.
// waiting for a graph template to finish validation).
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry executes fn with exponential backoff and full jitter until it
// succeeds or attempts are exhausted.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("exosphere-state-manager")
	attemptCounter, _ := meter.Int64Counter("exostate_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("exostate_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("exostate_resilience_retry_fail_total")

	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
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

// PollUntil polls fn on interval until it returns true, ctx is cancelled, or
// the deadline elapses. Used by the fan-out engine's bounded wait for a
// graph template to reach VALID.
func PollUntil(ctx context.Context, interval, deadline time.Duration, fn func() (bool, error)) error {
	deadlineAt := time.Now().Add(deadline)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := fn()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadlineAt) {
			return context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
