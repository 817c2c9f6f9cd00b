package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/verifact/provider-validator/internal/domain"
)

// MemoryStore is an in-process domain.IdempotencyStore for tests and
// single-process deployments. Expired records are dropped lazily on access.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]domain.IdempotencyRecord
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryStore constructs a MemoryStore with the given default TTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryStore{recs: make(map[string]domain.IdempotencyRecord), ttl: ttl, now: time.Now}
}

// SetNow injects a clock for tests.
func (s *MemoryStore) SetNow(now func() time.Time) { s.now = now }

// Check returns the live record bound to key, or nil.
func (s *MemoryStore) Check(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.live(key)
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// PutIfAbsent binds key to the record unless a live record exists.
func (s *MemoryStore) PutIfAbsent(_ context.Context, rec domain.IdempotencyRecord) (*domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.live(rec.Key); ok {
		return &existing, nil
	}
	if rec.TTL <= 0 {
		rec.TTL = s.ttl
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	s.recs[rec.Key] = rec
	return nil, nil
}

func (s *MemoryStore) live(key string) (domain.IdempotencyRecord, bool) {
	rec, ok := s.recs[key]
	if !ok {
		return domain.IdempotencyRecord{}, false
	}
	if s.now().After(rec.CreatedAt.Add(rec.TTL)) {
		delete(s.recs, key)
		return domain.IdempotencyRecord{}, false
	}
	return rec, true
}
