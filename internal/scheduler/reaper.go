package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/verifact/provider-validator/internal/domain"
	"github.com/verifact/provider-validator/internal/observability"
)

// Reaper periodically returns in-flight tasks whose visibility deadline
// has passed to their pending queues. This is what makes delivery
// at-least-once across worker crashes.
type Reaper struct {
	Queue    domain.Queue
	Interval time.Duration
}

// Run blocks until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	log := observability.LoggerFromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, tt := range domain.TaskTypes {
			n, err := r.Queue.RequeueExpired(ctx, tt)
			if err != nil {
				log.Error("requeue expired failed",
					slog.String("source", string(tt)), slog.Any("error", err))
				continue
			}
			if n > 0 {
				log.Warn("requeued expired tasks",
					slog.String("source", string(tt)), slog.Int("count", n))
			}
		}
	}
}
