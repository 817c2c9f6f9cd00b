package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/verifact/provider-validator/internal/domain"
)

// ProviderRepo persists the original submissions of a job's providers so
// the rules engine can compare evidence against them.
type ProviderRepo struct{ Pool PgxPool }

// NewProviderRepo constructs a ProviderRepo with the given pool.
func NewProviderRepo(p PgxPool) *ProviderRepo { return &ProviderRepo{Pool: p} }

// SaveAll stores every provider submission of a job.
func (r *ProviderRepo) SaveAll(ctx domainContext, jobID string, providers []domain.Provider) error {
	tracer := otel.Tracer("repo.providers")
	ctx, span := tracer.Start(ctx, "providers.SaveAll")
	defer span.End()
	now := time.Now().UTC()
	q := `INSERT INTO job_providers (job_id, provider_id, submission, created_at) VALUES ($1,$2,$3,$4)
	      ON CONFLICT (job_id, provider_id) DO NOTHING`
	for _, p := range providers {
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("op=providers.save_all: %w", err)
		}
		if _, err := r.Pool.Exec(ctx, q, jobID, p.ProviderID, b, now); err != nil {
			return fmt.Errorf("op=providers.save_all: %w", err)
		}
	}
	return nil
}

// Get loads one submission.
func (r *ProviderRepo) Get(ctx domainContext, jobID, providerID string) (domain.Provider, error) {
	tracer := otel.Tracer("repo.providers")
	ctx, span := tracer.Start(ctx, "providers.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT submission FROM job_providers WHERE job_id=$1 AND provider_id=$2`, jobID, providerID)
	var b []byte
	if err := row.Scan(&b); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Provider{}, fmt.Errorf("op=providers.get: %w", domain.ErrNotFound)
		}
		return domain.Provider{}, fmt.Errorf("op=providers.get: %w", err)
	}
	var p domain.Provider
	if err := json.Unmarshal(b, &p); err != nil {
		return domain.Provider{}, fmt.Errorf("op=providers.get: %w", err)
	}
	return p, nil
}

// ListIDs returns the provider ids of a job in submission order.
func (r *ProviderRepo) ListIDs(ctx domainContext, jobID string) ([]string, error) {
	tracer := otel.Tracer("repo.providers")
	ctx, span := tracer.Start(ctx, "providers.ListIDs")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT provider_id FROM job_providers WHERE job_id=$1 ORDER BY created_at, provider_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=providers.list_ids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=providers.list_ids: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
