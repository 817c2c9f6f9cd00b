// Command worker runs the per-source validation pools, the visibility
// reaper and the stuck-job sweeper.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/verifact/provider-validator/internal/adapter/connector/stub"
	"github.com/verifact/provider-validator/internal/adapter/events/redpanda"
	"github.com/verifact/provider-validator/internal/adapter/queue/redisq"
	"github.com/verifact/provider-validator/internal/app"
	"github.com/verifact/provider-validator/internal/config"
	"github.com/verifact/provider-validator/internal/domain"
	"github.com/verifact/provider-validator/internal/observability"
	"github.com/verifact/provider-validator/internal/ratelimit"
	"github.com/verifact/provider-validator/internal/report"
	"github.com/verifact/provider-validator/internal/rules"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.UseMemoryStore {
		// Job state would be invisible to the server process.
		slog.Error("worker cannot run standalone with USE_MEMORY_STORE")
		os.Exit(1)
	}

	stores, err := app.BuildStores(ctx, cfg)
	if err != nil {
		slog.Error("state store init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer stores.Pool.Close()

	rdb, err := app.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	var events domain.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := redpanda.NewPublisher(cfg.KafkaBrokers)
		if err != nil {
			slog.Error("event publisher connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = pub.Close() }()
		events = pub
	}

	rulesCfg, err := rules.LoadConfig(cfg.RulesConfigPath)
	if err != nil {
		slog.Error("rules config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Stub connectors are the only registry shipped in-tree; production
	// deployments register real source connectors here.
	registry := stub.Registry()
	if !cfg.UseStubConnectors {
		slog.Warn("no external connectors configured, falling back to stubs")
	}

	deps := app.WorkerDeps{
		Stores:     stores,
		Queue:      redisq.New(rdb, cfg.VisibilityTimeout),
		Limiter:    ratelimit.New(nil),
		Connectors: registry,
		Engine:     rules.NewEngine(rulesCfg, &rules.NetResolver{}),
		Signer:     report.NewSigner(cfg.ReportSigningKey),
		Events:     events,
	}

	slog.Info("worker fleet starting")
	app.RunWorkers(ctx, cfg, deps)
	slog.Info("worker fleet stopped")
}
