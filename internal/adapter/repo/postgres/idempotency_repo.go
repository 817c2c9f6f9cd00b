package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/verifact/provider-validator/internal/domain"
)

// IdempotencyRepo implements domain.IdempotencyStore on Postgres. The
// compare-and-set is an INSERT ... ON CONFLICT DO NOTHING followed by a
// read of whichever row won.
type IdempotencyRepo struct {
	Pool PgxPool
	TTL  time.Duration
}

// NewIdempotencyRepo constructs an IdempotencyRepo with the default TTL.
func NewIdempotencyRepo(p PgxPool, ttl time.Duration) *IdempotencyRepo {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyRepo{Pool: p, TTL: ttl}
}

// Check returns the live record bound to key, or nil.
func (r *IdempotencyRepo) Check(ctx domainContext, key string) (*domain.IdempotencyRecord, error) {
	tracer := otel.Tracer("repo.idempotency")
	ctx, span := tracer.Start(ctx, "idempotency.Check")
	defer span.End()
	q := `SELECT key, job_id, request_hash, created_at FROM idempotency_records
	      WHERE key=$1 AND created_at > $2`
	row := r.Pool.QueryRow(ctx, q, key, time.Now().UTC().Add(-r.TTL))
	var rec domain.IdempotencyRecord
	if err := row.Scan(&rec.Key, &rec.JobID, &rec.RequestHash, &rec.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("op=idempotency.check: %w", err)
	}
	rec.TTL = r.TTL
	return &rec, nil
}

// PutIfAbsent binds key to the record; it returns the existing record when
// another submission won the race.
func (r *IdempotencyRepo) PutIfAbsent(ctx domainContext, rec domain.IdempotencyRecord) (*domain.IdempotencyRecord, error) {
	tracer := otel.Tracer("repo.idempotency")
	ctx, span := tracer.Start(ctx, "idempotency.PutIfAbsent")
	defer span.End()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO idempotency_records (key, job_id, request_hash, created_at)
	      VALUES ($1,$2,$3,$4) ON CONFLICT (key) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, rec.Key, rec.JobID, rec.RequestHash, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("op=idempotency.put: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil, nil
	}
	existing, err := r.Check(ctx, rec.Key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// Conflicting row just expired; treat as created on retry.
		return nil, fmt.Errorf("op=idempotency.put: %w", domain.ErrConflict)
	}
	return existing, nil
}
