package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verifact/provider-validator/internal/domain"
)

func TestTryAcquireBurstThenBucketRejects(t *testing.T) {
	t.Parallel()
	l := New(map[domain.TaskType]SourceConfig{
		domain.TaskLicenseVerify: {RequestsPerSecond: 0.5, Burst: 2, PerMinute: 30},
	})
	now := time.Now()
	l.SetNow(func() time.Time { return now })

	ok, _ := l.TryAcquire(domain.TaskLicenseVerify)
	require.True(t, ok)
	ok, _ = l.TryAcquire(domain.TaskLicenseVerify)
	require.True(t, ok)

	ok, hint := l.TryAcquire(domain.TaskLicenseVerify)
	require.False(t, ok)
	assert.Greater(t, hint, time.Duration(0))
}

func TestTryAcquireSlidingWindowRejects(t *testing.T) {
	t.Parallel()
	l := New(map[domain.TaskType]SourceConfig{
		domain.TaskEnrichmentLookup: {RequestsPerSecond: 1000, Burst: 1000, PerMinute: 3},
	})
	now := time.Now()
	l.SetNow(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		ok, _ := l.TryAcquire(domain.TaskEnrichmentLookup)
		require.True(t, ok, "admission %d", i)
	}
	ok, hint := l.TryAcquire(domain.TaskEnrichmentLookup)
	require.False(t, ok)
	assert.InDelta(t, time.Minute, hint, float64(time.Second))

	// The window frees a slot once the oldest admission ages out.
	now = now.Add(61 * time.Second)
	ok, _ = l.TryAcquire(domain.TaskEnrichmentLookup)
	assert.True(t, ok)
}

func TestStatusReportsUsage(t *testing.T) {
	t.Parallel()
	l := New(map[domain.TaskType]SourceConfig{
		domain.TaskIdentifierCheck: {RequestsPerSecond: 10, Burst: 20, PerMinute: 600},
	})
	now := time.Now()
	l.SetNow(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		ok, _ := l.TryAcquire(domain.TaskIdentifierCheck)
		require.True(t, ok)
	}
	st := l.Status(domain.TaskIdentifierCheck)
	assert.Equal(t, 5, st.UsedLastMinute)
	assert.Equal(t, 595, st.RemainingMinute)
	assert.Equal(t, "identifier_check", st.Source)
}

func TestUnknownSourceNotThrottled(t *testing.T) {
	t.Parallel()
	l := New(map[domain.TaskType]SourceConfig{})
	ok, hint := l.TryAcquire(domain.TaskType("unheard_of"))
	assert.True(t, ok)
	assert.Zero(t, hint)
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()
	l := New(map[domain.TaskType]SourceConfig{
		domain.TaskLicenseVerify: {RequestsPerSecond: 0.001, Burst: 1, PerMinute: 1},
	})
	ok, _ := l.TryAcquire(domain.TaskLicenseVerify)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, domain.TaskLicenseVerify)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStatusAllStableOrder(t *testing.T) {
	t.Parallel()
	l := New(nil)
	all := l.StatusAll()
	require.Len(t, all, 5)
	assert.Equal(t, "identifier_check", all[0].Source)
	assert.Equal(t, "enrichment_lookup", all[4].Source)
}
