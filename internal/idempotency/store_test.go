package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verifact/provider-validator/internal/domain"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, time.Hour), mr
}

func TestRedisStorePutIfAbsentWins(t *testing.T) {
	t.Parallel()
	s, _ := newRedisStore(t)
	ctx := context.Background()

	existing, err := s.PutIfAbsent(ctx, domain.IdempotencyRecord{Key: "k1", JobID: "job-a", RequestHash: "h1"})
	require.NoError(t, err)
	assert.Nil(t, existing, "first write wins")

	rec, err := s.Check(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "job-a", rec.JobID)
	assert.Equal(t, "h1", rec.RequestHash)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestRedisStorePutIfAbsentReturnsExisting(t *testing.T) {
	t.Parallel()
	s, _ := newRedisStore(t)
	ctx := context.Background()

	_, err := s.PutIfAbsent(ctx, domain.IdempotencyRecord{Key: "k1", JobID: "job-a", RequestHash: "h1"})
	require.NoError(t, err)

	existing, err := s.PutIfAbsent(ctx, domain.IdempotencyRecord{Key: "k1", JobID: "job-b", RequestHash: "h2"})
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, "job-a", existing.JobID, "original binding survives")
	assert.Equal(t, "h1", existing.RequestHash)
}

func TestRedisStoreCheckMissing(t *testing.T) {
	t.Parallel()
	s, _ := newRedisStore(t)
	rec, err := s.Check(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRedisStoreTTLExpires(t *testing.T) {
	t.Parallel()
	s, mr := newRedisStore(t)
	ctx := context.Background()

	_, err := s.PutIfAbsent(ctx, domain.IdempotencyRecord{Key: "k1", JobID: "job-a", RequestHash: "h1", TTL: time.Minute})
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	rec, err := s.Check(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, rec, "record expired")

	existing, err := s.PutIfAbsent(ctx, domain.IdempotencyRecord{Key: "k1", JobID: "job-b", RequestHash: "h2"})
	require.NoError(t, err)
	assert.Nil(t, existing, "key is free again")
}

func TestLayeredStoreBindingSurvivesCacheLoss(t *testing.T) {
	t.Parallel()
	durable := NewMemoryStore(time.Hour)
	ctx := context.Background()

	layered := NewLayeredStore(NewMemoryStore(time.Hour), durable)
	existing, err := layered.PutIfAbsent(ctx, domain.IdempotencyRecord{Key: "k1", JobID: "job-a", RequestHash: "h1"})
	require.NoError(t, err)
	assert.Nil(t, existing)

	// The cache is gone but the durable layer still owns the binding, so a
	// replay with a different job must lose the race.
	rebuilt := NewLayeredStore(NewMemoryStore(time.Hour), durable)
	existing, err = rebuilt.PutIfAbsent(ctx, domain.IdempotencyRecord{Key: "k1", JobID: "job-b", RequestHash: "h2"})
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, "job-a", existing.JobID)
	assert.Equal(t, "h1", existing.RequestHash)
}

func TestLayeredStoreCheckWarmsCache(t *testing.T) {
	t.Parallel()
	cache := NewMemoryStore(time.Hour)
	durable := NewMemoryStore(time.Hour)
	ctx := context.Background()

	_, err := durable.PutIfAbsent(ctx, domain.IdempotencyRecord{Key: "k1", JobID: "job-a", RequestHash: "h1", TTL: time.Hour})
	require.NoError(t, err)

	layered := NewLayeredStore(cache, durable)
	rec, err := layered.Check(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "job-a", rec.JobID)

	warmed, err := cache.Check(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, warmed, "durable hit repopulates the cache")
	assert.Equal(t, "job-a", warmed.JobID)
}

func TestLayeredStoreWinnerMirroredToCache(t *testing.T) {
	t.Parallel()
	cache := NewMemoryStore(time.Hour)
	layered := NewLayeredStore(cache, NewMemoryStore(time.Hour))
	ctx := context.Background()

	_, err := layered.PutIfAbsent(ctx, domain.IdempotencyRecord{Key: "k1", JobID: "job-a", RequestHash: "h1"})
	require.NoError(t, err)

	rec, err := cache.Check(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "job-a", rec.JobID)
}

func TestMemoryStoreContract(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore(time.Hour)
	now := time.Now()
	s.SetNow(func() time.Time { return now })
	ctx := context.Background()

	existing, err := s.PutIfAbsent(ctx, domain.IdempotencyRecord{Key: "k1", JobID: "job-a", RequestHash: "h1"})
	require.NoError(t, err)
	assert.Nil(t, existing)

	existing, err = s.PutIfAbsent(ctx, domain.IdempotencyRecord{Key: "k1", JobID: "job-b", RequestHash: "h2"})
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, "job-a", existing.JobID)

	now = now.Add(2 * time.Hour)
	rec, err := s.Check(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, rec, "expired lazily")
}
