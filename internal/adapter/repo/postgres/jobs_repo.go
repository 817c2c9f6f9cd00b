package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/verifact/provider-validator/internal/domain"
)

// JobRepo persists and loads validation jobs.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// Create inserts a new job.
func (r *JobRepo) Create(ctx domainContext, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	opts, err := json.Marshal(j.Options)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	q := `INSERT INTO jobs (id, status, priority, provider_count, completed_count, failed_count, progress, options, idempotency_key, error, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	now := time.Now().UTC()
	_, err = r.Pool.Exec(ctx, q, j.ID, j.Status, j.Priority, j.ProviderCount,
		j.CompletedCount, j.FailedCount, j.Progress, opts, j.IdempotencyKey, j.Error, now, now)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domainContext, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT id, status, priority, provider_count, completed_count, failed_count, progress, options, idempotency_key, COALESCE(error,''), created_at, updated_at
	      FROM jobs WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var j domain.Job
	var opts []byte
	if err := row.Scan(&j.ID, &j.Status, &j.Priority, &j.ProviderCount, &j.CompletedCount,
		&j.FailedCount, &j.Progress, &opts, &j.IdempotencyKey, &j.Error, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	if err := json.Unmarshal(opts, &j.Options); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// UpdateStatus transitions a job; terminal jobs are never mutated.
func (r *JobRepo) UpdateStatus(ctx domainContext, id string, status domain.JobStatus, errMsg *string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()
	errVal := ""
	if errMsg != nil {
		errVal = *errMsg
	}
	q := `UPDATE jobs SET status=$2, error=$3, updated_at=$4
	      WHERE id=$1 AND status NOT IN ('completed','failed','cancelled')`
	tag, err := r.Pool.Exec(ctx, q, id, status, errVal, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either unknown id or a terminal job; distinguish for the caller.
		if _, gerr := r.Get(ctx, id); gerr != nil {
			return gerr
		}
		return fmt.Errorf("op=job.update_status: terminal job %s: %w", id, domain.ErrConflict)
	}
	return nil
}

// ListStuck returns non-terminal jobs with no update since cutoff.
func (r *JobRepo) ListStuck(ctx domainContext, cutoff time.Time) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListStuck")
	defer span.End()
	q := `SELECT id, status, priority, provider_count, completed_count, failed_count, progress, options, idempotency_key, COALESCE(error,''), created_at, updated_at
	      FROM jobs WHERE status IN ('pending','running') AND updated_at < $1 ORDER BY updated_at LIMIT 500`
	rows, err := r.Pool.Query(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stuck: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		var j domain.Job
		var opts []byte
		if err := rows.Scan(&j.ID, &j.Status, &j.Priority, &j.ProviderCount, &j.CompletedCount,
			&j.FailedCount, &j.Progress, &opts, &j.IdempotencyKey, &j.Error, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=job.list_stuck: %w", err)
		}
		if err := json.Unmarshal(opts, &j.Options); err != nil {
			return nil, fmt.Errorf("op=job.list_stuck: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateProgress writes the recomputed counters for a running job.
func (r *JobRepo) UpdateProgress(ctx domainContext, id string, completed, failed int, progress float64) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateProgress")
	defer span.End()
	q := `UPDATE jobs SET completed_count=$2, failed_count=$3, progress=$4, updated_at=$5
	      WHERE id=$1 AND status NOT IN ('completed','failed','cancelled')`
	if _, err := r.Pool.Exec(ctx, q, id, completed, failed, progress, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.update_progress: %w", err)
	}
	return nil
}
