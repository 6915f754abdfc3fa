// Package backoff computes the retry delay the dispatcher's errored() path
// applies before a follow-up attempt becomes eligible for enqueue.
package backoff

import (
	"fmt"
	"math"

	"github.com/exospherehost/state-manager/internal/domain"
)

// Compute returns the backoff, in milliseconds, before retry attempt k
// (k is the new retry_count, counting from 1) under policy.
//
//	FIXED:       f * 1000
//	LINEAR:      f * k * 1000
//	EXPONENTIAL: f^k * 1000
func Compute(policy domain.RetryPolicy, k int) (int64, error) {
	if policy.BackoffFactor <= 0 {
		return 0, fmt.Errorf("backoff: backoff_factor must be > 0, got %v", policy.BackoffFactor)
	}
	if policy.MaxRetries < 0 {
		return 0, fmt.Errorf("backoff: max_retries must be >= 0, got %d", policy.MaxRetries)
	}
	f := policy.BackoffFactor
	switch policy.Method {
	case domain.RetryFixed:
		return int64(f * 1000), nil
	case domain.RetryLinear:
		return int64(f * float64(k) * 1000), nil
	case domain.RetryExponential:
		return int64(math.Pow(f, float64(k)) * 1000), nil
	default:
		return 0, fmt.Errorf("backoff: unknown method %q", policy.Method)
	}
}
