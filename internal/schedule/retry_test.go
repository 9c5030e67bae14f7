package schedule

import (
	"testing"
	"time"

	"github.com/dwsmith1983/ferry/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestCalculateBackoff(t *testing.T) {
	policy := DefaultRetryPolicy()

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
	}

	for _, tc := range tests {
		result := CalculateBackoff(policy, tc.attempt)
		assert.Equal(t, tc.expected, result, "attempt %d", tc.attempt)
	}
}

func TestCalculateBackoff_CapsAtOneHour(t *testing.T) {
	policy := types.RetryPolicy{
		Backoff:           30 * time.Minute,
		BackoffMultiplier: 4.0,
	}

	assert.Equal(t, time.Hour, CalculateBackoff(policy, 3))
}

func TestCalculateBackoff_DefaultMultiplier(t *testing.T) {
	policy := types.RetryPolicy{Backoff: 10 * time.Second}

	assert.Equal(t, 20*time.Second, CalculateBackoff(policy, 2))
}

func TestAttachmentRetryPolicy(t *testing.T) {
	p := AttachmentRetryPolicy(0)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 2*time.Second, CalculateBackoff(p, 1))
	assert.Equal(t, 4*time.Second, CalculateBackoff(p, 2))
}

func TestPolicyFor(t *testing.T) {
	p := PolicyFor(types.PipelineConfig{RetryAttempts: 5, RetryDelayMs: 250})
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, p.Backoff)

	d := PolicyFor(types.PipelineConfig{})
	assert.Equal(t, DefaultRetryPolicy(), d)
}

func TestShouldRetry(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.True(t, ShouldRetry(p, 1))
	assert.True(t, ShouldRetry(p, 2))
	assert.False(t, ShouldRetry(p, 3))
}
