package idempotency

import (
	"context"
	"log/slog"

	"github.com/verifact/provider-validator/internal/domain"
)

// LayeredStore combines a durable store with a fast cache. The durable
// layer is authoritative: PutIfAbsent races are decided there, so a key
// stays bound to one job even if the cache is flushed or rebuilt. The
// cache only accelerates reads and is repaired best-effort.
type LayeredStore struct {
	cache   domain.IdempotencyStore
	durable domain.IdempotencyStore
}

// NewLayeredStore constructs a LayeredStore.
func NewLayeredStore(cache, durable domain.IdempotencyStore) *LayeredStore {
	return &LayeredStore{cache: cache, durable: durable}
}

// Check serves from the cache when it can and falls back to the durable
// layer, warming the cache on a hit.
func (s *LayeredStore) Check(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec, err := s.cache.Check(ctx, key)
	if err == nil && rec != nil {
		return rec, nil
	}
	if err != nil {
		slog.Warn("idempotency cache check failed", slog.String("key", key), slog.Any("error", err))
	}
	rec, err = s.durable.Check(ctx, key)
	if err != nil || rec == nil {
		return rec, err
	}
	s.warm(ctx, *rec)
	return rec, nil
}

// PutIfAbsent binds the key in the durable layer first; whichever record
// wins there is mirrored into the cache.
func (s *LayeredStore) PutIfAbsent(ctx context.Context, rec domain.IdempotencyRecord) (*domain.IdempotencyRecord, error) {
	existing, err := s.durable.PutIfAbsent(ctx, rec)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.warm(ctx, *existing)
		return existing, nil
	}
	s.warm(ctx, rec)
	return nil, nil
}

// warm mirrors a winning record into the cache. A cache write failure is
// tolerable; the durable row still holds the binding.
func (s *LayeredStore) warm(ctx context.Context, rec domain.IdempotencyRecord) {
	if _, err := s.cache.PutIfAbsent(ctx, rec); err != nil {
		slog.Warn("idempotency cache warm failed", slog.String("key", rec.Key), slog.Any("error", err))
	}
}
