package domain

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrorCategory drives the retry controller.
type ErrorCategory string

const (
	// CategoryRetryable covers network timeouts, connection failures,
	// upstream 5xx/429 and transient rate-limit rejections.
	CategoryRetryable ErrorCategory = "retryable"
	// CategoryNonRetryable covers input validation failures, upstream 4xx
	// other than 408/429, explicit cancellation and unrecoverable parses.
	CategoryNonRetryable ErrorCategory = "non_retryable"
	// CategoryRobotDetected is non-retryable for the current attempt and
	// surfaces as a flag without mutating confidence.
	CategoryRobotDetected ErrorCategory = "robot_detected"
)

// Categorize maps an error to its retry category using the sentinel
// taxonomy. Connectors that need finer control implement their own
// Classify and this is the fallback.
func Categorize(err error) ErrorCategory {
	switch {
	case err == nil:
		return CategoryNonRetryable
	case errors.Is(err, ErrRobotDetected):
		return CategoryRobotDetected
	case errors.Is(err, ErrUpstreamTimeout),
		errors.Is(err, ErrUpstreamRateLimit),
		errors.Is(err, ErrUpstreamServer),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return CategoryRetryable
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrUpstreamRejected),
		errors.Is(err, ErrNotFound),
		errors.Is(err, context.Canceled):
		return CategoryNonRetryable
	default:
		// Unknown errors are treated as transient so a flaky source gets
		// its bounded attempts before the task is recorded as failed.
		return CategoryRetryable
	}
}

// RetryPolicy computes bounded exponential backoff with jitter.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
	// rand source injectable for deterministic tests; nil uses the global.
	Rand *rand.Rand
}

// DefaultRetryPolicy returns the engine defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: time.Second, MaxDelay: 60 * time.Second, MaxRetries: 3}
}

// ShouldRetry reports whether another attempt is allowed for the given
// error after the given completed attempt count.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	return Categorize(err) == CategoryRetryable
}

// NextDelay returns min(max, base*2^attempt) scaled by jitter in [0.5, 1.5).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if m := float64(p.MaxDelay); d > m {
		d = m
	}
	jitter := 0.5 + p.float64()
	return time.Duration(d * jitter)
}

func (p RetryPolicy) float64() float64 {
	if p.Rand != nil {
		return p.Rand.Float64()
	}
	return rand.Float64()
}
