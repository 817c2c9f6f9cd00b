// Package memory implements the full job state store in process. It backs
// tests and single-process deployments; semantics match the Postgres
// adapter, including write-once reports and immutable terminal jobs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/verifact/provider-validator/internal/domain"
)

type resultKey struct {
	jobID      string
	providerID string
	taskType   domain.TaskType
}

type reportKey struct {
	jobID      string
	providerID string
}

type providerKey struct {
	jobID      string
	providerID string
}

// Store holds all job state behind one mutex. It implements
// domain.JobRepository, domain.ProviderRepository,
// domain.TaskResultRepository and domain.ReportRepository.
type Store struct {
	mu        sync.Mutex
	jobs      map[string]domain.Job
	providers map[providerKey]domain.Provider
	order     map[string][]string
	results   map[resultKey]domain.WorkerTaskResult
	reports   map[reportKey]domain.ProviderReport
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		jobs:      make(map[string]domain.Job),
		providers: make(map[providerKey]domain.Provider),
		order:     make(map[string][]string),
		results:   make(map[resultKey]domain.WorkerTaskResult),
		reports:   make(map[reportKey]domain.ProviderReport),
	}
}

// Create inserts a new job.
func (s *Store) Create(_ context.Context, j domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("op=job.create: %w", domain.ErrConflict)
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	s.jobs[j.ID] = j
	return nil
}

// Get loads a job by id.
func (s *Store) Get(_ context.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return j, nil
}

// UpdateStatus transitions a job; terminal jobs are never mutated.
func (s *Store) UpdateStatus(_ context.Context, id string, status domain.JobStatus, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.update_status: %w", domain.ErrNotFound)
	}
	if j.Status.Terminal() {
		return fmt.Errorf("op=job.update_status: terminal job %s: %w", id, domain.ErrConflict)
	}
	j.Status = status
	if errMsg != nil {
		j.Error = *errMsg
	}
	j.UpdatedAt = time.Now().UTC()
	s.jobs[id] = j
	return nil
}

// UpdateProgress writes the recomputed counters for a running job.
func (s *Store) UpdateProgress(_ context.Context, id string, completed, failed int, progress float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.update_progress: %w", domain.ErrNotFound)
	}
	if j.Status.Terminal() {
		return nil
	}
	j.CompletedCount = completed
	j.FailedCount = failed
	j.Progress = progress
	j.UpdatedAt = time.Now().UTC()
	s.jobs[id] = j
	return nil
}

// ListStuck returns non-terminal jobs with no update since cutoff.
func (s *Store) ListStuck(_ context.Context, cutoff time.Time) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if !j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	return out, nil
}

// SaveAll stores every provider submission of a job.
func (s *Store) SaveAll(_ context.Context, jobID string, providers []domain.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range providers {
		k := providerKey{jobID, p.ProviderID}
		if _, ok := s.providers[k]; ok {
			continue
		}
		s.providers[k] = p
		s.order[jobID] = append(s.order[jobID], p.ProviderID)
	}
	return nil
}

// Get loads one submission. (ProviderRepository)
func (s *Store) GetProvider(_ context.Context, jobID, providerID string) (domain.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[providerKey{jobID, providerID}]
	if !ok {
		return domain.Provider{}, fmt.Errorf("op=providers.get: %w", domain.ErrNotFound)
	}
	return p, nil
}

// ListIDs returns the provider ids of a job in submission order.
func (s *Store) ListIDs(_ context.Context, jobID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.order[jobID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

// Upsert records a task result; a failed attempt never replaces a success.
func (s *Store) Upsert(_ context.Context, r domain.WorkerTaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := resultKey{r.JobID, r.ProviderID, r.TaskType}
	if prev, ok := s.results[k]; ok && prev.Success && !r.Success {
		return nil
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.results[k] = r
	return nil
}

// ListByProvider returns every recorded result for one provider in a job.
func (s *Store) ListByProvider(_ context.Context, jobID, providerID string) ([]domain.WorkerTaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WorkerTaskResult
	for _, tt := range domain.TaskTypes {
		if r, ok := s.results[resultKey{jobID, providerID, tt}]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// CreateReport stores a write-once report. (ReportRepository)
func (s *Store) CreateReport(_ context.Context, r domain.ProviderReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := reportKey{r.JobID, r.ProviderID}
	if _, ok := s.reports[k]; ok {
		return fmt.Errorf("op=reports.create: report exists: %w", domain.ErrConflict)
	}
	if r.ValidationTimestamp.IsZero() {
		r.ValidationTimestamp = time.Now().UTC()
	}
	s.reports[k] = r
	return nil
}

// GetReport loads one report.
func (s *Store) GetReport(_ context.Context, jobID, providerID string) (domain.ProviderReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[reportKey{jobID, providerID}]
	if !ok {
		return domain.ProviderReport{}, fmt.Errorf("op=reports.get: %w", domain.ErrNotFound)
	}
	return r, nil
}

// Jobs adapts the store to domain.JobRepository.
func (s *Store) Jobs() domain.JobRepository { return jobView{s} }

// Providers adapts the store to domain.ProviderRepository.
func (s *Store) Providers() domain.ProviderRepository { return providerView{s} }

// TaskResults adapts the store to domain.TaskResultRepository.
func (s *Store) TaskResults() domain.TaskResultRepository { return resultView{s} }

// Reports adapts the store to domain.ReportRepository.
func (s *Store) Reports() domain.ReportRepository { return reportView{s} }

type jobView struct{ s *Store }

func (v jobView) Create(ctx context.Context, j domain.Job) error { return v.s.Create(ctx, j) }
func (v jobView) Get(ctx context.Context, id string) (domain.Job, error) {
	return v.s.Get(ctx, id)
}
func (v jobView) UpdateStatus(ctx context.Context, id string, st domain.JobStatus, errMsg *string) error {
	return v.s.UpdateStatus(ctx, id, st, errMsg)
}
func (v jobView) UpdateProgress(ctx context.Context, id string, completed, failed int, progress float64) error {
	return v.s.UpdateProgress(ctx, id, completed, failed, progress)
}

type providerView struct{ s *Store }

func (v providerView) SaveAll(ctx context.Context, jobID string, ps []domain.Provider) error {
	return v.s.SaveAll(ctx, jobID, ps)
}
func (v providerView) Get(ctx context.Context, jobID, providerID string) (domain.Provider, error) {
	return v.s.GetProvider(ctx, jobID, providerID)
}
func (v providerView) ListIDs(ctx context.Context, jobID string) ([]string, error) {
	return v.s.ListIDs(ctx, jobID)
}

type resultView struct{ s *Store }

func (v resultView) Upsert(ctx context.Context, r domain.WorkerTaskResult) error {
	return v.s.Upsert(ctx, r)
}
func (v resultView) ListByProvider(ctx context.Context, jobID, providerID string) ([]domain.WorkerTaskResult, error) {
	return v.s.ListByProvider(ctx, jobID, providerID)
}

type reportView struct{ s *Store }

func (v reportView) Create(ctx context.Context, r domain.ProviderReport) error {
	return v.s.CreateReport(ctx, r)
}
func (v reportView) Get(ctx context.Context, jobID, providerID string) (domain.ProviderReport, error) {
	return v.s.GetReport(ctx, jobID, providerID)
}
