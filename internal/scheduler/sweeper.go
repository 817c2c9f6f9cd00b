package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/verifact/provider-validator/internal/domain"
	"github.com/verifact/provider-validator/internal/observability"
)

// StuckJobLister lists jobs that have not made progress since a cutoff.
type StuckJobLister interface {
	ListStuck(ctx context.Context, cutoff time.Time) ([]domain.Job, error)
	UpdateStatus(ctx context.Context, id string, status domain.JobStatus, errMsg *string) error
}

// Sweeper marks jobs failed when they sit in a non-terminal state past the
// maximum processing age, which happens when a worker fleet dies with
// tasks that can no longer be requeued.
type Sweeper struct {
	jobs     StuckJobLister
	maxAge   time.Duration
	interval time.Duration
}

// NewSweeper constructs a Sweeper with sane floors on both durations.
func NewSweeper(jobs StuckJobLister, maxAge, interval time.Duration) *Sweeper {
	if jobs == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{jobs: jobs, maxAge: maxAge, interval: interval}
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			observability.LoggerFromContext(ctx).Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("scheduler.sweeper")
	ctx, span := tracer.Start(ctx, "Sweeper.sweepOnce")
	defer span.End()
	log := observability.LoggerFromContext(ctx)

	cutoff := time.Now().UTC().Add(-s.maxAge)
	jobs, err := s.jobs.ListStuck(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		log.Error("stuck job sweep failed to list jobs", slog.Any("error", err))
		return
	}
	marked := 0
	for _, j := range jobs {
		msg := fmt.Sprintf("job made no progress for %v; marked failed by sweeper", s.maxAge)
		if err := s.jobs.UpdateStatus(ctx, j.ID, domain.JobFailed, &msg); err != nil {
			log.Error("stuck job sweep failed to update status",
				slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		observability.JobsCompletedTotal.WithLabelValues(string(domain.JobFailed)).Inc()
		marked++
	}
	span.SetAttributes(
		attribute.Int("jobs.checked", len(jobs)),
		attribute.Int("jobs.marked_failed", marked),
	)
	if marked > 0 {
		log.Warn("stuck jobs marked failed", slog.Int("count", marked))
	}
}
