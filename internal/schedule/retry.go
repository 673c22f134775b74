// Package schedule holds the timing policies of the pipeline: provider retry
// backoff, lock keys, and the cron cadence of the scheduler daemon.
package schedule

import (
	"math"
	"time"

	"github.com/dwsmith1983/tridx/pkg/types"
)

const maxBackoff = 5 * time.Minute

// DefaultThrottlePolicy returns the policy applied to provider calls. A throttled
// call is retried once after a short wait; everything else is left to the next run.
func DefaultThrottlePolicy() types.RetryPolicy {
	return types.RetryPolicy{
		MaxAttempts:       2,
		BackoffSeconds:    2,
		BackoffMultiplier: 2.0,
		RetryableFailures: []types.FailureCategory{
			types.FailureThrottled,
		},
	}
}

// CalculateBackoff returns the wait duration for a given attempt number.
// Uses exponential backoff: base * multiplier^(attempt-1), capped at five minutes.
func CalculateBackoff(policy types.RetryPolicy, attempt int) time.Duration {
	base := time.Duration(policy.BackoffSeconds * float64(time.Second))
	if attempt <= 1 {
		return min(base, maxBackoff)
	}
	multiplier := policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	backoff := float64(base) * math.Pow(multiplier, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(backoff)
}

// IsRetryable returns whether a failure category should be retried within the
// same invocation. Permanent failures and open breakers never are.
func IsRetryable(policy types.RetryPolicy, category types.FailureCategory) bool {
	if category == types.FailurePermanent || category == types.FailureBreaker {
		return false
	}
	if len(policy.RetryableFailures) == 0 {
		return category == types.FailureThrottled
	}
	for _, fc := range policy.RetryableFailures {
		if fc == category {
			return true
		}
	}
	return false
}

// ShouldRetry reports whether attempt (1-based, the attempt that just failed)
// may be followed by another.
func ShouldRetry(policy types.RetryPolicy, category types.FailureCategory, attempt int) bool {
	limit := policy.MaxAttempts
	if limit < 1 {
		limit = 1
	}
	return attempt < limit && IsRetryable(policy, category)
}
