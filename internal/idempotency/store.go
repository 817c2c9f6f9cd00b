// Package idempotency binds logical submissions to jobs so that a replayed
// request returns the original job instead of creating a duplicate.
package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/verifact/provider-validator/internal/domain"
)

const keyPrefix = "idem:"

// putIfAbsentScript atomically creates the record when the key is free and
// otherwise returns the existing binding unchanged.
const putIfAbsentScript = `
local key = KEYS[1]
local job_id = ARGV[1]
local request_hash = ARGV[2]
local created_at = ARGV[3]
local ttl_ms = tonumber(ARGV[4])

if redis.call("EXISTS", key) == 1 then
  local data = redis.call("HMGET", key, "job_id", "request_hash", "created_at")
  return { 0, data[1], data[2], data[3] }
end

redis.call("HSET", key, "job_id", job_id, "request_hash", request_hash, "created_at", created_at)
if ttl_ms > 0 then
  redis.call("PEXPIRE", key, ttl_ms)
end
return { 1, job_id, request_hash, created_at }
`

// RedisStore implements domain.IdempotencyStore on Redis.
type RedisStore struct {
	rdb    *redis.Client
	script *redis.Script
	ttl    time.Duration
}

// NewRedisStore constructs a store with the given default TTL.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, script: redis.NewScript(putIfAbsentScript), ttl: ttl}
}

// Check returns the record bound to key, or nil when none exists.
func (s *RedisStore) Check(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	vals, err := s.rdb.HMGet(ctx, keyPrefix+key, "job_id", "request_hash", "created_at").Result()
	if err != nil {
		return nil, fmt.Errorf("op=idempotency.check: %w", err)
	}
	if vals[0] == nil {
		return nil, nil
	}
	return recordFrom(key, vals, s.ttl), nil
}

// PutIfAbsent atomically binds key to the record; it returns the existing
// record when one is already bound.
func (s *RedisStore) PutIfAbsent(ctx context.Context, rec domain.IdempotencyRecord) (*domain.IdempotencyRecord, error) {
	ttl := rec.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := s.script.Run(ctx, s.rdb, []string{keyPrefix + rec.Key},
		rec.JobID, rec.RequestHash, strconv.FormatInt(createdAt.UnixMilli(), 10), ttl.Milliseconds()).Result()
	if err != nil {
		return nil, fmt.Errorf("op=idempotency.put: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 4 {
		slog.Error("idempotency script returned unexpected result", slog.Any("result", res))
		return nil, fmt.Errorf("op=idempotency.put: %w", domain.ErrInternal)
	}
	if created, _ := vals[0].(int64); created == 1 {
		return nil, nil
	}
	return recordFrom(rec.Key, vals[1:], ttl), nil
}

func recordFrom(key string, vals []interface{}, ttl time.Duration) *domain.IdempotencyRecord {
	rec := &domain.IdempotencyRecord{Key: key, TTL: ttl}
	if v, ok := vals[0].(string); ok {
		rec.JobID = v
	}
	if v, ok := vals[1].(string); ok {
		rec.RequestHash = v
	}
	if v, ok := vals[2].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			rec.CreatedAt = time.UnixMilli(ms).UTC()
		}
	}
	return rec
}
