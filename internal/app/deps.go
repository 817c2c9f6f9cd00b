package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/verifact/provider-validator/internal/adapter/repo/memory"
	"github.com/verifact/provider-validator/internal/adapter/repo/postgres"
	"github.com/verifact/provider-validator/internal/config"
	"github.com/verifact/provider-validator/internal/domain"
	"github.com/verifact/provider-validator/internal/idempotency"
	"github.com/verifact/provider-validator/internal/scheduler"
)

// Stores bundles the job state store ports plus the handles the probes
// need. Pool is nil when the in-process store is active.
type Stores struct {
	Jobs      domain.JobRepository
	Providers domain.ProviderRepository
	Results   domain.TaskResultRepository
	Reports   domain.ReportRepository
	Stuck     scheduler.StuckJobLister
	Pool      *pgxpool.Pool
}

// BuildStores wires the job state store: Postgres in normal deployments,
// the in-process store when USE_MEMORY_STORE is set.
func BuildStores(ctx context.Context, cfg config.Config) (Stores, error) {
	if cfg.UseMemoryStore {
		st := memory.NewStore()
		return Stores{
			Jobs:      st.Jobs(),
			Providers: st.Providers(),
			Results:   st.TaskResults(),
			Reports:   st.Reports(),
			Stuck:     st,
		}, nil
	}
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return Stores{}, fmt.Errorf("op=app.stores: %w", err)
	}
	jobs := postgres.NewJobRepo(pool)
	return Stores{
		Jobs:      jobs,
		Providers: postgres.NewProviderRepo(pool),
		Results:   postgres.NewTaskResultRepo(pool),
		Reports:   postgres.NewReportRepo(pool),
		Stuck:     jobs,
		Pool:      pool,
	}, nil
}

// NewRedisClient parses the configured URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=app.redis: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("op=app.redis: %w", err)
	}
	return client, nil
}

// BuildIdempotency wires the idempotency store. Redis serves the fast
// path; when Postgres is active it is layered on top of the
// idempotency_records table so key bindings survive a cache flush.
func BuildIdempotency(client *redis.Client, cfg config.Config, stores Stores) domain.IdempotencyStore {
	cache := idempotency.NewRedisStore(client, cfg.IdempotencyTTL)
	if stores.Pool == nil {
		return cache
	}
	durable := postgres.NewIdempotencyRepo(stores.Pool, cfg.IdempotencyTTL)
	return idempotency.NewLayeredStore(cache, durable)
}
