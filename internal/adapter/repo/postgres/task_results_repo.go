package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/verifact/provider-validator/internal/domain"
)

// TaskResultRepo stores the authoritative evidence per
// (job, provider, task_type).
type TaskResultRepo struct{ Pool PgxPool }

// NewTaskResultRepo constructs a TaskResultRepo with the given pool.
func NewTaskResultRepo(p PgxPool) *TaskResultRepo { return &TaskResultRepo{Pool: p} }

// Upsert records a task result. A later attempt replaces an earlier one; a
// failed attempt never replaces a recorded success.
func (r *TaskResultRepo) Upsert(ctx domainContext, res domain.WorkerTaskResult) error {
	tracer := otel.Tracer("repo.task_results")
	ctx, span := tracer.Start(ctx, "task_results.Upsert")
	defer span.End()
	normalized, err := json.Marshal(res.NormalizedFields)
	if err != nil {
		return fmt.Errorf("op=task_results.upsert: %w", err)
	}
	confidence, err := json.Marshal(res.FieldConfidence)
	if err != nil {
		return fmt.Errorf("op=task_results.upsert: %w", err)
	}
	metadata, err := json.Marshal(res.SourceMetadata)
	if err != nil {
		return fmt.Errorf("op=task_results.upsert: %w", err)
	}
	flags, err := json.Marshal(res.Flags)
	if err != nil {
		return fmt.Errorf("op=task_results.upsert: %w", err)
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO task_results
	        (job_id, provider_id, task_type, attempt, success, overall_confidence, normalized_fields, field_confidence, error_message, source_metadata, flags, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	      ON CONFLICT (job_id, provider_id, task_type) DO UPDATE SET
	        attempt = EXCLUDED.attempt,
	        success = EXCLUDED.success,
	        overall_confidence = EXCLUDED.overall_confidence,
	        normalized_fields = EXCLUDED.normalized_fields,
	        field_confidence = EXCLUDED.field_confidence,
	        error_message = EXCLUDED.error_message,
	        source_metadata = EXCLUDED.source_metadata,
	        flags = EXCLUDED.flags,
	        created_at = EXCLUDED.created_at
	      WHERE task_results.success = false OR EXCLUDED.success = true`
	_, err = r.Pool.Exec(ctx, q, res.JobID, res.ProviderID, res.TaskType, res.Attempt,
		res.Success, res.OverallConfidence, normalized, confidence, res.ErrorMessage,
		metadata, flags, res.CreatedAt)
	if err != nil {
		return fmt.Errorf("op=task_results.upsert: %w", err)
	}
	return nil
}

// ListByProvider returns every recorded result for one provider in a job.
func (r *TaskResultRepo) ListByProvider(ctx domainContext, jobID, providerID string) ([]domain.WorkerTaskResult, error) {
	tracer := otel.Tracer("repo.task_results")
	ctx, span := tracer.Start(ctx, "task_results.ListByProvider")
	defer span.End()
	q := `SELECT job_id, provider_id, task_type, attempt, success, overall_confidence, normalized_fields, field_confidence, COALESCE(error_message,''), source_metadata, flags, created_at
	      FROM task_results WHERE job_id=$1 AND provider_id=$2 ORDER BY task_type`
	rows, err := r.Pool.Query(ctx, q, jobID, providerID)
	if err != nil {
		return nil, fmt.Errorf("op=task_results.list: %w", err)
	}
	defer rows.Close()
	var out []domain.WorkerTaskResult
	for rows.Next() {
		var res domain.WorkerTaskResult
		var normalized, confidence, metadata, flags []byte
		if err := rows.Scan(&res.JobID, &res.ProviderID, &res.TaskType, &res.Attempt,
			&res.Success, &res.OverallConfidence, &normalized, &confidence,
			&res.ErrorMessage, &metadata, &flags, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=task_results.list: %w", err)
		}
		if err := json.Unmarshal(normalized, &res.NormalizedFields); err != nil {
			return nil, fmt.Errorf("op=task_results.list: %w", err)
		}
		if err := json.Unmarshal(confidence, &res.FieldConfidence); err != nil {
			return nil, fmt.Errorf("op=task_results.list: %w", err)
		}
		if err := json.Unmarshal(metadata, &res.SourceMetadata); err != nil {
			return nil, fmt.Errorf("op=task_results.list: %w", err)
		}
		if err := json.Unmarshal(flags, &res.Flags); err != nil {
			return nil, fmt.Errorf("op=task_results.list: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
