// Package usecase wires intake to the queues: idempotent job creation,
// task fan-out, status reads and cancellation.
package usecase

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/verifact/provider-validator/internal/domain"
	"github.com/verifact/provider-validator/internal/observability"
)

// Orchestrator implements the intake operations. It owns no worker state;
// everything after enqueue happens in the worker process.
type Orchestrator struct {
	Jobs         domain.JobRepository
	Providers    domain.ProviderRepository
	Reports      domain.ReportRepository
	Idempotency  domain.IdempotencyStore
	Queue        domain.Queue
	Events       domain.EventPublisher
	MaxProviders int
	IdemTTL      time.Duration
}

// NewOrchestrator applies defaults for the optional knobs.
func NewOrchestrator(o Orchestrator) *Orchestrator {
	if o.MaxProviders <= 0 {
		o.MaxProviders = 1000
	}
	if o.IdemTTL <= 0 {
		o.IdemTTL = 24 * time.Hour
	}
	return &o
}

// SubmitBatch validates the batch, deduplicates it through the idempotency
// store, persists the job and fans tasks out to the per-source queues.
func (o *Orchestrator) SubmitBatch(ctx context.Context, providers []domain.Provider, opts domain.ValidationOptions, idemKey string, priority domain.JobPriority) (domain.Job, error) {
	log := observability.LoggerFromContext(ctx)

	if err := o.validateBatch(providers); err != nil {
		return domain.Job{}, err
	}
	opts = normalizeOptions(opts)
	if priority == "" {
		priority = domain.PriorityNormal
	}

	hash, err := requestHash(providers, opts)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=submit.hash: %w", err)
	}
	if idemKey == "" {
		idemKey = hash
	}

	jobID := uuid.NewString()
	existing, err := o.Idempotency.PutIfAbsent(ctx, domain.IdempotencyRecord{
		Key:         idemKey,
		JobID:       jobID,
		RequestHash: hash,
		TTL:         o.IdemTTL,
	})
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=submit.idempotency: %w", err)
	}
	if existing != nil {
		if existing.RequestHash != hash {
			return domain.Job{}, fmt.Errorf("op=submit: key %s bound to a different request: %w", idemKey, domain.ErrIdempotencyConflict)
		}
		job, err := o.Jobs.Get(ctx, existing.JobID)
		if err != nil {
			return domain.Job{}, fmt.Errorf("op=submit.replay: %w", err)
		}
		log.Info("idempotent replay", slog.String("job_id", job.ID))
		return job, nil
	}

	job := domain.Job{
		ID:             jobID,
		Status:         domain.JobPending,
		Priority:       priority,
		ProviderCount:  len(providers),
		Options:        opts,
		IdempotencyKey: idemKey,
		CreatedAt:      time.Now().UTC(),
	}
	if err := o.Jobs.Create(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("op=submit.create: %w", err)
	}
	if err := o.Providers.SaveAll(ctx, jobID, providers); err != nil {
		return domain.Job{}, fmt.Errorf("op=submit.providers: %w", err)
	}

	idle := 0
	for _, p := range providers {
		types := opts.TaskTypesFor(p)
		if len(types) == 0 {
			idle++
			continue
		}
		for _, tt := range types {
			task := domain.WorkerTask{
				ID:             ulid.Make().String(),
				JobID:          jobID,
				ProviderID:     p.ProviderID,
				Type:           tt,
				Payload:        p,
				Priority:       priority,
				MaxRetries:     opts.MaxRetries,
				TimeoutSeconds: opts.TimeoutSeconds,
				ScheduledAt:    time.Now().UTC(),
			}
			if err := o.Queue.Enqueue(ctx, task); err != nil {
				return domain.Job{}, fmt.Errorf("op=submit.enqueue: %w", err)
			}
		}
	}

	status := domain.JobRunning
	if idle == len(providers) {
		// Nothing to do for any provider; the job is trivially complete.
		status = domain.JobCompleted
	}
	if idle > 0 {
		progress := float64(idle) / float64(len(providers)) * 100
		if err := o.Jobs.UpdateProgress(ctx, jobID, idle, 0, progress); err != nil {
			log.Error("progress init failed", slog.Any("error", err))
		}
	}
	if err := o.Jobs.UpdateStatus(ctx, jobID, status, nil); err != nil {
		return domain.Job{}, fmt.Errorf("op=submit.transition: %w", err)
	}
	job.Status = status
	job.CompletedCount = idle

	observability.JobsSubmittedTotal.WithLabelValues(string(priority)).Inc()
	o.publish(ctx, domain.JobEvent{Type: domain.EventJobCreated, JobID: jobID})
	log.Info("job accepted",
		slog.String("job_id", jobID),
		slog.Int("provider_count", len(providers)),
		slog.String("priority", string(priority)))
	return job, nil
}

// Status returns the job record for synchronous status reads.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (domain.Job, error) {
	return o.Jobs.Get(ctx, jobID)
}

// Report returns the fused report once the provider is terminal, or a
// provisional pending report while tasks are still running.
func (o *Orchestrator) Report(ctx context.Context, jobID, providerID string) (domain.ProviderReport, error) {
	rep, err := o.Reports.Get(ctx, jobID, providerID)
	if err == nil {
		return rep, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.ProviderReport{}, err
	}
	// Distinguish "still running" from "unknown provider".
	if _, perr := o.Providers.Get(ctx, jobID, providerID); perr != nil {
		return domain.ProviderReport{}, perr
	}
	return domain.ProviderReport{
		ProviderID:       providerID,
		JobID:            jobID,
		ValidationStatus: domain.ReportPending,
		FieldSummaries:   map[string]domain.FieldSummary{},
		AggregatedFields: map[string]string{},
		Flags:            []string{},
	}, nil
}

// Cancel is idempotent: it tombstones the job's outstanding tasks and
// transitions the job to cancelled. Cancelling a completed or failed job
// is a conflict.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == domain.JobCancelled {
		return nil
	}
	if job.Status.Terminal() {
		return fmt.Errorf("op=cancel: job %s is %s: %w", jobID, job.Status, domain.ErrConflict)
	}
	if err := o.Queue.TombstoneJob(ctx, jobID); err != nil {
		return fmt.Errorf("op=cancel.tombstone: %w", err)
	}
	if err := o.Jobs.UpdateStatus(ctx, jobID, domain.JobCancelled, nil); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Lost the race with completion or another cancel.
			return nil
		}
		return fmt.Errorf("op=cancel.transition: %w", err)
	}
	observability.JobsCompletedTotal.WithLabelValues(string(domain.JobCancelled)).Inc()
	o.publish(ctx, domain.JobEvent{Type: domain.EventJobCancelled, JobID: jobID})
	observability.LoggerFromContext(ctx).Info("job cancelled", slog.String("job_id", jobID))
	return nil
}

func (o *Orchestrator) validateBatch(providers []domain.Provider) error {
	if len(providers) == 0 {
		return fmt.Errorf("op=submit: empty batch: %w", domain.ErrInvalidArgument)
	}
	if len(providers) > o.MaxProviders {
		return fmt.Errorf("op=submit: batch of %d exceeds maximum %d: %w", len(providers), o.MaxProviders, domain.ErrInvalidArgument)
	}
	seen := make(map[string]bool, len(providers))
	for i, p := range providers {
		if p.ProviderID == "" {
			return fmt.Errorf("op=submit: provider %d missing provider_id: %w", i, domain.ErrInvalidArgument)
		}
		if seen[p.ProviderID] {
			return fmt.Errorf("op=submit: duplicate provider_id %s: %w", p.ProviderID, domain.ErrInvalidArgument)
		}
		seen[p.ProviderID] = true
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, ev domain.JobEvent) {
	if o.Events == nil {
		return
	}
	ev.At = time.Now().UTC()
	if err := o.Events.Publish(ctx, ev); err != nil {
		observability.LoggerFromContext(ctx).Warn("event publish failed",
			slog.String("event", string(ev.Type)), slog.Any("error", err))
	}
}

func normalizeOptions(opts domain.ValidationOptions) domain.ValidationOptions {
	def := domain.DefaultValidationOptions()
	if opts.ConfidenceThreshold <= 0 || opts.ConfidenceThreshold > 1 {
		opts.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.TimeoutSeconds <= 0 {
		opts.TimeoutSeconds = def.TimeoutSeconds
	}
	return opts
}

// requestHash is the canonical digest of a submission: the JSON encoding
// of providers and options hashed with BLAKE2b-256. json.Marshal emits
// struct fields in declaration order, so equal submissions hash equally.
func requestHash(providers []domain.Provider, opts domain.ValidationOptions) (string, error) {
	body, err := json.Marshal(struct {
		Providers []domain.Provider        `json:"providers"`
		Options   domain.ValidationOptions `json:"options"`
	}{providers, opts})
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}
