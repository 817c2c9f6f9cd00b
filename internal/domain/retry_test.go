package domain

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategorize(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"timeout", fmt.Errorf("call: %w", ErrUpstreamTimeout), CategoryRetryable},
		{"upstream 429", ErrUpstreamRateLimit, CategoryRetryable},
		{"upstream 5xx", ErrUpstreamServer, CategoryRetryable},
		{"local rate limit", ErrRateLimited, CategoryRetryable},
		{"deadline", context.DeadlineExceeded, CategoryRetryable},
		{"unknown", errors.New("wat"), CategoryRetryable},
		{"invalid input", ErrInvalidArgument, CategoryNonRetryable},
		{"upstream 4xx", ErrUpstreamRejected, CategoryNonRetryable},
		{"cancelled", context.Canceled, CategoryNonRetryable},
		{"robot", fmt.Errorf("scrape: %w", ErrRobotDetected), CategoryRobotDetected},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Categorize(tc.err))
		})
	}
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()
	p := DefaultRetryPolicy()
	assert.True(t, p.ShouldRetry(ErrUpstreamTimeout, 0))
	assert.True(t, p.ShouldRetry(ErrUpstreamTimeout, 2))
	assert.False(t, p.ShouldRetry(ErrUpstreamTimeout, 3), "attempts exhausted")
	assert.False(t, p.ShouldRetry(ErrUpstreamRejected, 0), "non-retryable")
	assert.False(t, p.ShouldRetry(ErrRobotDetected, 0), "robot detection")
}

func TestNextDelayBounds(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
		MaxRetries: 3,
		Rand:       rand.New(rand.NewSource(1)),
	}
	for attempt := 0; attempt < 10; attempt++ {
		d := p.NextDelay(attempt)
		base := float64(time.Second) * float64(int(1)<<uint(attempt))
		if m := float64(60 * time.Second); base > m {
			base = m
		}
		require.GreaterOrEqual(t, float64(d), base*0.5, "attempt %d", attempt)
		require.Less(t, float64(d), base*1.5, "attempt %d", attempt)
	}
}

func TestNextDelayCapped(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 60 * time.Second, MaxRetries: 3}
	d := p.NextDelay(20)
	assert.LessOrEqual(t, d, 90*time.Second, "cap times max jitter")
	assert.GreaterOrEqual(t, d, 30*time.Second, "cap times min jitter")
}
