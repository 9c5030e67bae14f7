// Package schedule computes retry backoff for stage jobs and attachment transfers.
package schedule

import (
	"math"
	"time"

	"github.com/dwsmith1983/ferry/pkg/types"
)

const maxBackoff = time.Hour

// DefaultRetryPolicy returns the queue's default retry configuration:
// three attempts, 5s base delay doubling per attempt.
func DefaultRetryPolicy() types.RetryPolicy {
	return types.RetryPolicy{
		MaxAttempts:       3,
		Backoff:           5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// AttachmentRetryPolicy returns the per-object policy used when moving
// attachments: 2^attempt seconds between attempts.
func AttachmentRetryPolicy(maxAttempts int) types.RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return types.RetryPolicy{
		MaxAttempts:       maxAttempts,
		Backoff:           2 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// PolicyFor derives the queue retry policy from a pipeline configuration.
func PolicyFor(cfg types.PipelineConfig) types.RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.RetryAttempts > 0 {
		p.MaxAttempts = cfg.RetryAttempts
	}
	if cfg.RetryDelayMs > 0 {
		p.Backoff = time.Duration(cfg.RetryDelayMs) * time.Millisecond
	}
	return p
}

// CalculateBackoff returns the wait duration after the given failed attempt.
// Uses exponential backoff: base * multiplier^(attempt-1), capped at one hour.
func CalculateBackoff(policy types.RetryPolicy, attempt int) time.Duration {
	if attempt <= 1 {
		return policy.Backoff
	}
	multiplier := policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	backoff := float64(policy.Backoff) * math.Pow(multiplier, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(backoff)
}

// ShouldRetry reports whether another attempt is allowed after attemptsMade attempts.
func ShouldRetry(policy types.RetryPolicy, attemptsMade int) bool {
	return attemptsMade < policy.MaxAttempts
}
