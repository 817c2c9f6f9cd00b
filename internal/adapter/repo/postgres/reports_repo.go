package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/verifact/provider-validator/internal/domain"
)

// ReportRepo stores terminal provider reports. Reports are write-once.
type ReportRepo struct{ Pool PgxPool }

// NewReportRepo constructs a ReportRepo with the given pool.
func NewReportRepo(p PgxPool) *ReportRepo { return &ReportRepo{Pool: p} }

// Create stores a report; a second create for the same (job, provider)
// returns ErrConflict.
func (r *ReportRepo) Create(ctx domainContext, rep domain.ProviderReport) error {
	tracer := otel.Tracer("repo.reports")
	ctx, span := tracer.Start(ctx, "reports.Create")
	defer span.End()
	summaries, err := json.Marshal(rep.FieldSummaries)
	if err != nil {
		return fmt.Errorf("op=reports.create: %w", err)
	}
	aggregated, err := json.Marshal(rep.AggregatedFields)
	if err != nil {
		return fmt.Errorf("op=reports.create: %w", err)
	}
	flags, err := json.Marshal(rep.Flags)
	if err != nil {
		return fmt.Errorf("op=reports.create: %w", err)
	}
	if rep.ValidationTimestamp.IsZero() {
		rep.ValidationTimestamp = time.Now().UTC()
	}
	q := `INSERT INTO provider_reports
	        (job_id, provider_id, overall_confidence, validation_status, field_summaries, aggregated_fields, flags, validation_timestamp, processing_time_ms, signature)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	      ON CONFLICT (job_id, provider_id) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, rep.JobID, rep.ProviderID, rep.OverallConfidence,
		rep.ValidationStatus, summaries, aggregated, flags, rep.ValidationTimestamp,
		rep.ProcessingTime.Milliseconds(), rep.Signature)
	if err != nil {
		return fmt.Errorf("op=reports.create: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=reports.create: report exists: %w", domain.ErrConflict)
	}
	return nil
}

// Get loads one report.
func (r *ReportRepo) Get(ctx domainContext, jobID, providerID string) (domain.ProviderReport, error) {
	tracer := otel.Tracer("repo.reports")
	ctx, span := tracer.Start(ctx, "reports.Get")
	defer span.End()
	q := `SELECT job_id, provider_id, overall_confidence, validation_status, field_summaries, aggregated_fields, flags, validation_timestamp, processing_time_ms, COALESCE(signature,'')
	      FROM provider_reports WHERE job_id=$1 AND provider_id=$2`
	row := r.Pool.QueryRow(ctx, q, jobID, providerID)
	var rep domain.ProviderReport
	var summaries, aggregated, flags []byte
	var processingMS int64
	if err := row.Scan(&rep.JobID, &rep.ProviderID, &rep.OverallConfidence,
		&rep.ValidationStatus, &summaries, &aggregated, &flags,
		&rep.ValidationTimestamp, &processingMS, &rep.Signature); err != nil {
		if err == pgx.ErrNoRows {
			return domain.ProviderReport{}, fmt.Errorf("op=reports.get: %w", domain.ErrNotFound)
		}
		return domain.ProviderReport{}, fmt.Errorf("op=reports.get: %w", err)
	}
	rep.ProcessingTime = time.Duration(processingMS) * time.Millisecond
	if err := json.Unmarshal(summaries, &rep.FieldSummaries); err != nil {
		return domain.ProviderReport{}, fmt.Errorf("op=reports.get: %w", err)
	}
	if err := json.Unmarshal(aggregated, &rep.AggregatedFields); err != nil {
		return domain.ProviderReport{}, fmt.Errorf("op=reports.get: %w", err)
	}
	if err := json.Unmarshal(flags, &rep.Flags); err != nil {
		return domain.ProviderReport{}, fmt.Errorf("op=reports.get: %w", err)
	}
	return rep, nil
}
