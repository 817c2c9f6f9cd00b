// Package worker runs the per-source task pools. Each pool owns one task
// type: a fixed number of goroutines reserve tasks, observe the rate
// limiter, drive the connector and record evidence.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/verifact/provider-validator/internal/domain"
	"github.com/verifact/provider-validator/internal/observability"
	"github.com/verifact/provider-validator/internal/ratelimit"
)

// Finalizer is invoked after a task reaches terminal state so the
// scheduler can check whether the provider's task set is complete.
type Finalizer interface {
	TaskFinished(ctx context.Context, jobID, providerID string)
}

// Pool drives one task type with a fixed number of workers.
type Pool struct {
	TaskType       domain.TaskType
	Size           int
	Queue          domain.Queue
	Limiter        *ratelimit.Limiter
	Connectors     *domain.ConnectorRegistry
	Results        domain.TaskResultRepository
	Jobs           domain.JobRepository
	Policy         domain.RetryPolicy
	ReserveTimeout time.Duration
	Finalizer      Finalizer
}

// Run blocks until ctx is done, running Size worker loops.
func (p *Pool) Run(ctx context.Context) {
	size := p.Size
	if size <= 0 {
		size = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < size; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.loop(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, worker int) {
	log := observability.LoggerFromContext(ctx).With(
		slog.String("pool", string(p.TaskType)), slog.Int("worker", worker))
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := p.Queue.Reserve(ctx, p.TaskType, p.ReserveTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("reserve failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if task == nil {
			continue
		}
		p.handle(ctx, log, *task)
	}
}

func (p *Pool) handle(ctx context.Context, log *slog.Logger, task domain.WorkerTask) {
	log = log.With(
		slog.String("task_id", task.ID),
		slog.String("job_id", task.JobID),
		slog.String("provider_id", task.ProviderID),
		slog.Int("attempt", task.Attempt))

	// Cancelled and terminal jobs drain without connector calls.
	if p.shouldDrop(ctx, log, task.JobID) {
		if err := p.Queue.Ack(ctx, p.TaskType, task.ID); err != nil {
			log.Error("ack failed", slog.Any("error", err))
		}
		log.Info("task dropped for terminal job")
		return
	}

	if err := p.Limiter.Acquire(ctx, p.TaskType); err != nil {
		// Shutdown while waiting for admission: leave the task in flight
		// so the visibility deadline returns it.
		return
	}

	conn, ok := p.Connectors.Lookup(p.TaskType)
	if !ok {
		log.Error("no connector registered")
		p.recordFailure(ctx, log, task, fmt.Errorf("no connector for %s: %w", p.TaskType, domain.ErrInternal), nil)
		return
	}

	timeout := time.Duration(task.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	result, err := conn.Execute(callCtx, task.Payload)
	cancel()
	elapsed := time.Since(start)

	if err == nil {
		observability.TaskAttempt(string(p.TaskType), "success", elapsed)
		p.recordSuccess(ctx, log, task, result)
		return
	}

	category := conn.Classify(err)
	log.Warn("connector call failed",
		slog.Any("error", err),
		slog.String("category", string(category)),
		slog.Duration("elapsed", elapsed))

	policy := p.Policy
	if task.MaxRetries > 0 {
		policy.MaxRetries = task.MaxRetries
	}
	if category == domain.CategoryRetryable && task.Attempt < policy.MaxRetries {
		delay := policy.NextDelay(task.Attempt)
		task.Attempt++
		task.ScheduledAt = time.Now().UTC().Add(delay)
		if err := p.Queue.Nack(ctx, task, delay); err != nil {
			log.Error("nack failed", slog.Any("error", err))
			return
		}
		observability.TaskAttempt(string(p.TaskType), "retry", elapsed)
		observability.TaskRetriesTotal.WithLabelValues(string(p.TaskType)).Inc()
		log.Info("task retry scheduled", slog.Duration("delay", delay))
		return
	}

	var flags []string
	if category == domain.CategoryRobotDetected {
		flags = []string{"robot_detected"}
	}
	observability.TaskAttempt(string(p.TaskType), "failure", elapsed)
	p.recordFailure(ctx, log, task, err, flags)
}

func (p *Pool) recordSuccess(ctx context.Context, log *slog.Logger, task domain.WorkerTask, res domain.ConnectorResult) {
	rec := domain.WorkerTaskResult{
		JobID:             task.JobID,
		ProviderID:        task.ProviderID,
		TaskType:          task.Type,
		Attempt:           task.Attempt,
		Success:           true,
		OverallConfidence: meanConfidence(res.FieldConfidence),
		NormalizedFields:  res.NormalizedFields,
		FieldConfidence:   res.FieldConfidence,
		SourceMetadata:    res.Metadata,
		CreatedAt:         time.Now().UTC(),
	}
	p.finish(ctx, log, task, rec)
}

func (p *Pool) recordFailure(ctx context.Context, log *slog.Logger, task domain.WorkerTask, cause error, flags []string) {
	rec := domain.WorkerTaskResult{
		JobID:        task.JobID,
		ProviderID:   task.ProviderID,
		TaskType:     task.Type,
		Attempt:      task.Attempt,
		Success:      false,
		ErrorMessage: cause.Error(),
		Flags:        flags,
		CreatedAt:    time.Now().UTC(),
	}
	p.finish(ctx, log, task, rec)
}

// shouldDrop reports whether the owning job no longer wants work:
// tombstoned by cancel, or already terminal.
func (p *Pool) shouldDrop(ctx context.Context, log *slog.Logger, jobID string) bool {
	dead, err := p.Queue.IsTombstoned(ctx, jobID)
	if err != nil {
		log.Error("tombstone check failed", slog.Any("error", err))
	}
	if dead {
		return true
	}
	if p.Jobs == nil {
		return false
	}
	job, err := p.Jobs.Get(ctx, jobID)
	if err != nil {
		log.Error("job lookup failed", slog.Any("error", err))
		return false
	}
	return job.Status.Terminal()
}

// finish persists the result with bounded retries for transient store
// errors, acks the task and notifies the finalizer.
func (p *Pool) finish(ctx context.Context, log *slog.Logger, task domain.WorkerTask, rec domain.WorkerTaskResult) {
	// A cancel that landed during the connector call discards the result.
	if dead, err := p.Queue.IsTombstoned(ctx, task.JobID); err == nil && dead {
		if err := p.Queue.Ack(ctx, p.TaskType, task.ID); err != nil {
			log.Error("ack failed", slog.Any("error", err))
		}
		log.Info("result discarded for cancelled job")
		return
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	err := backoff.Retry(func() error {
		return p.Results.Upsert(ctx, rec)
	}, bo)
	if err != nil {
		// Leave the task in flight; the reaper requeues it after the
		// visibility deadline and the upsert is idempotent.
		log.Error("result upsert failed", slog.Any("error", err))
		return
	}
	if err := p.Queue.Ack(ctx, p.TaskType, task.ID); err != nil {
		log.Error("ack failed", slog.Any("error", err))
	}
	if p.Finalizer != nil {
		p.Finalizer.TaskFinished(ctx, task.JobID, task.ProviderID)
	}
}

func meanConfidence(fc map[string]float64) float64 {
	if len(fc) == 0 {
		return 0
	}
	var sum float64
	for _, v := range fc {
		sum += v
	}
	return sum / float64(len(fc))
}
