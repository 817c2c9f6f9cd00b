// Package ratelimit implements per-source admission control for connector
// calls. Two enforcement windows compose: a per-second token bucket and a
// per-minute sliding window; both must admit. State is process-wide and
// resets on restart.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/verifact/provider-validator/internal/domain"
	"github.com/verifact/provider-validator/internal/observability"
)

// SourceConfig sets both windows for one source.
type SourceConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	PerMinute         int     `yaml:"per_minute"`
}

// DefaultSourceConfigs returns the engine defaults per source.
func DefaultSourceConfigs() map[domain.TaskType]SourceConfig {
	return map[domain.TaskType]SourceConfig{
		domain.TaskIdentifierCheck:    {RequestsPerSecond: 10, Burst: 20, PerMinute: 600},
		domain.TaskAddressValidation:  {RequestsPerSecond: 10, Burst: 20, PerMinute: 600},
		domain.TaskDocumentProcessing: {RequestsPerSecond: 5, Burst: 10, PerMinute: 300},
		domain.TaskLicenseVerify:      {RequestsPerSecond: 0.5, Burst: 5, PerMinute: 30},
		domain.TaskEnrichmentLookup:   {RequestsPerSecond: 2, Burst: 5, PerMinute: 120},
	}
}

// Status is the operator view of one source's limiter.
type Status struct {
	Source            string  `json:"source"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
	PerMinute         int     `json:"per_minute"`
	UsedLastMinute    int     `json:"used_last_minute"`
	RemainingMinute   int     `json:"remaining_minute"`
	BucketTokens      float64 `json:"bucket_tokens"`
}

type sourceLimiter struct {
	cfg    SourceConfig
	bucket *rate.Limiter
	// window holds the admission timestamps of the last minute; expired
	// entries are reaped on every check.
	window []time.Time
}

// Limiter admits connector calls per source.
type Limiter struct {
	mu      sync.Mutex
	sources map[domain.TaskType]*sourceLimiter
	now     func() time.Time
}

// New builds a Limiter; nil configs means defaults.
func New(configs map[domain.TaskType]SourceConfig) *Limiter {
	if configs == nil {
		configs = DefaultSourceConfigs()
	}
	l := &Limiter{sources: make(map[domain.TaskType]*sourceLimiter, len(configs)), now: time.Now}
	for tt, cfg := range configs {
		l.sources[tt] = &sourceLimiter{
			cfg:    cfg,
			bucket: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		}
	}
	return l
}

// TryAcquire is non-blocking. When not admitted, waitHint is how long the
// caller should wait before retrying.
func (l *Limiter) TryAcquire(source domain.TaskType) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sl, ok := l.sources[source]
	if !ok {
		// Unknown sources are not throttled.
		return true, 0
	}

	now := l.now()
	sl.reap(now)

	if len(sl.window) >= sl.cfg.PerMinute {
		// Oldest window entry determines when a slot frees up.
		hint := sl.window[0].Add(time.Minute).Sub(now)
		if hint < 0 {
			hint = 0
		}
		observability.RateLimitRejected(string(source), "window")
		return false, hint
	}

	res := sl.bucket.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		observability.RateLimitRejected(string(source), "bucket")
		return false, delay
	}

	sl.window = append(sl.window, now)
	observability.RateLimitAdmitted(string(source))
	return true, 0
}

// Acquire blocks until admitted or the context is done.
func (l *Limiter) Acquire(ctx context.Context, source domain.TaskType) error {
	for {
		ok, hint := l.TryAcquire(source)
		if ok {
			return nil
		}
		if hint <= 0 {
			hint = 10 * time.Millisecond
		}
		t := time.NewTimer(hint)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Status returns current usage and remaining capacity for one source.
func (l *Limiter) Status(source domain.TaskType) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	sl, ok := l.sources[source]
	if !ok {
		return Status{Source: string(source)}
	}
	now := l.now()
	sl.reap(now)
	return Status{
		Source:            string(source),
		RequestsPerSecond: sl.cfg.RequestsPerSecond,
		Burst:             sl.cfg.Burst,
		PerMinute:         sl.cfg.PerMinute,
		UsedLastMinute:    len(sl.window),
		RemainingMinute:   sl.cfg.PerMinute - len(sl.window),
		BucketTokens:      sl.bucket.TokensAt(now),
	}
}

// StatusAll returns the status of every configured source in stable order.
func (l *Limiter) StatusAll() []Status {
	out := make([]Status, 0, len(l.sources))
	for _, tt := range domain.TaskTypes {
		if _, ok := l.sources[tt]; ok {
			out = append(out, l.Status(tt))
		}
	}
	return out
}

// SetNow injects a clock for tests.
func (l *Limiter) SetNow(now func() time.Time) { l.now = now }

func (sl *sourceLimiter) reap(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for ; i < len(sl.window); i++ {
		if sl.window[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		sl.window = append(sl.window[:0], sl.window[i:]...)
	}
}
