package app

import (
	"context"
	"sync"

	"github.com/verifact/provider-validator/internal/config"
	"github.com/verifact/provider-validator/internal/domain"
	"github.com/verifact/provider-validator/internal/ratelimit"
	"github.com/verifact/provider-validator/internal/report"
	"github.com/verifact/provider-validator/internal/rules"
	"github.com/verifact/provider-validator/internal/scheduler"
	"github.com/verifact/provider-validator/internal/worker"
)

// WorkerDeps carries everything the worker fleet needs.
type WorkerDeps struct {
	Stores     Stores
	Queue      domain.Queue
	Limiter    *ratelimit.Limiter
	Connectors *domain.ConnectorRegistry
	Engine     *rules.Engine
	Signer     *report.Signer
	Events     domain.EventPublisher
}

// RunWorkers starts one pool per task type plus the reaper and stuck-job
// sweeper, and blocks until ctx is done.
func RunWorkers(ctx context.Context, cfg config.Config, d WorkerDeps) {
	fin := &scheduler.Finalizer{
		Jobs:       d.Stores.Jobs,
		Providers:  d.Stores.Providers,
		Results:    d.Stores.Results,
		Reports:    d.Stores.Reports,
		Engine:     d.Engine,
		Aggregator: report.NewAggregator(),
		Signer:     d.Signer,
		Events:     d.Events,
	}
	policy := domain.RetryPolicy{
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
		MaxRetries: cfg.RetryMaxRetries,
	}
	counts := cfg.WorkerCounts()

	var wg sync.WaitGroup
	for _, tt := range domain.TaskTypes {
		pool := &worker.Pool{
			TaskType:       tt,
			Size:           counts[string(tt)],
			Queue:          d.Queue,
			Limiter:        d.Limiter,
			Connectors:     d.Connectors,
			Results:        d.Stores.Results,
			Jobs:           d.Stores.Jobs,
			Policy:         policy,
			ReserveTimeout: cfg.ReserveTimeout,
			Finalizer:      fin,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Run(ctx)
		}()
	}

	reaper := &scheduler.Reaper{Queue: d.Queue, Interval: cfg.ReaperInterval}
	wg.Add(1)
	go func() {
		defer wg.Done()
		reaper.Run(ctx)
	}()

	if sweeper := scheduler.NewSweeper(d.Stores.Stuck, cfg.StuckJobMaxAge, cfg.ReaperInterval); sweeper != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sweeper.Run(ctx)
		}()
	}

	wg.Wait()
}
