// Package scheduler owns job progress: it finalizes providers once their
// task set is terminal, requeues expired in-flight tasks and sweeps jobs
// stuck without progress.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/verifact/provider-validator/internal/domain"
	"github.com/verifact/provider-validator/internal/observability"
	"github.com/verifact/provider-validator/internal/report"
	"github.com/verifact/provider-validator/internal/rules"
)

// Finalizer runs rules and aggregation for a provider once every task of
// that provider is terminal, then advances job progress.
type Finalizer struct {
	Jobs       domain.JobRepository
	Providers  domain.ProviderRepository
	Results    domain.TaskResultRepository
	Reports    domain.ReportRepository
	Engine     *rules.Engine
	Aggregator *report.Aggregator
	Signer     *report.Signer
	Events     domain.EventPublisher

	// mu serializes progress accounting within this process.
	mu sync.Mutex
}

// TaskFinished is called by worker pools after each terminal task. It is
// cheap when the provider still has tasks outstanding.
func (f *Finalizer) TaskFinished(ctx context.Context, jobID, providerID string) {
	log := observability.LoggerFromContext(ctx).With(
		slog.String("job_id", jobID), slog.String("provider_id", providerID))
	if err := f.finalizeProvider(ctx, jobID, providerID); err != nil {
		log.Error("provider finalize failed", slog.Any("error", err))
	}
}

func (f *Finalizer) finalizeProvider(ctx context.Context, jobID, providerID string) error {
	job, err := f.Jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=finalize.job: %w", err)
	}
	if job.Status.Terminal() {
		return nil
	}
	p, err := f.Providers.Get(ctx, jobID, providerID)
	if err != nil {
		return fmt.Errorf("op=finalize.provider: %w", err)
	}
	results, err := f.Results.ListByProvider(ctx, jobID, providerID)
	if err != nil {
		return fmt.Errorf("op=finalize.results: %w", err)
	}
	expected := job.Options.TaskTypesFor(p)
	if len(results) < len(expected) {
		return nil
	}

	vrs := f.Engine.Evaluate(ctx, p, results)
	rep := f.Aggregator.Aggregate(p, results, vrs, job.Options, job.CreatedAt)
	rep.JobID = jobID
	if f.Signer != nil && f.Signer.Enabled() {
		sig, err := f.Signer.Sign(rep)
		if err != nil {
			return fmt.Errorf("op=finalize.sign: %w", err)
		}
		rep.Signature = sig
	}
	if err := f.Reports.Create(ctx, rep); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Redelivered task after the report landed; nothing to do.
			return nil
		}
		return fmt.Errorf("op=finalize.report: %w", err)
	}
	observability.ReportWritten(string(rep.ValidationStatus), rep.OverallConfidence)
	f.publish(ctx, domain.JobEvent{Type: domain.EventReportReady, JobID: jobID, ProviderID: providerID})

	return f.advance(ctx, jobID, allFailed(results))
}

// advance recomputes job progress after one provider reached terminal
// state and completes the job when every provider has.
func (f *Finalizer) advance(ctx context.Context, jobID string, providerFailed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	job, err := f.Jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=finalize.progress: %w", err)
	}
	if job.Status.Terminal() {
		return nil
	}
	completed, failed := job.CompletedCount, job.FailedCount
	if providerFailed {
		failed++
	} else {
		completed++
	}
	progress := 0.0
	if job.ProviderCount > 0 {
		progress = float64(completed+failed) / float64(job.ProviderCount) * 100
	}
	if err := f.Jobs.UpdateProgress(ctx, jobID, completed, failed, progress); err != nil {
		return fmt.Errorf("op=finalize.progress: %w", err)
	}
	if completed+failed < job.ProviderCount {
		return nil
	}

	status := domain.JobCompleted
	event := domain.EventJobCompleted
	if completed == 0 && failed > 0 {
		status = domain.JobFailed
		event = domain.EventJobFailed
	}
	if err := f.Jobs.UpdateStatus(ctx, jobID, status, nil); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return fmt.Errorf("op=finalize.complete: %w", err)
	}
	observability.JobsCompletedTotal.WithLabelValues(string(status)).Inc()
	f.publish(ctx, domain.JobEvent{Type: event, JobID: jobID})
	return nil
}

// publish is fire-and-forget; the event stream never blocks job progress.
func (f *Finalizer) publish(ctx context.Context, ev domain.JobEvent) {
	if f.Events == nil {
		return
	}
	ev.At = time.Now().UTC()
	if err := f.Events.Publish(ctx, ev); err != nil {
		observability.LoggerFromContext(ctx).Warn("event publish failed",
			slog.String("event", string(ev.Type)), slog.Any("error", err))
	}
}

func allFailed(results []domain.WorkerTaskResult) bool {
	for _, r := range results {
		if r.Success {
			return false
		}
	}
	return len(results) > 0
}
