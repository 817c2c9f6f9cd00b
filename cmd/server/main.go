// Command server starts the provider validation intake API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/verifact/provider-validator/internal/adapter/connector/stub"
	"github.com/verifact/provider-validator/internal/adapter/events/redpanda"
	"github.com/verifact/provider-validator/internal/adapter/httpserver"
	"github.com/verifact/provider-validator/internal/adapter/queue/redisq"
	"github.com/verifact/provider-validator/internal/app"
	"github.com/verifact/provider-validator/internal/config"
	"github.com/verifact/provider-validator/internal/domain"
	"github.com/verifact/provider-validator/internal/observability"
	"github.com/verifact/provider-validator/internal/ratelimit"
	"github.com/verifact/provider-validator/internal/report"
	"github.com/verifact/provider-validator/internal/rules"
	"github.com/verifact/provider-validator/internal/usecase"
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

	stores, err := app.BuildStores(ctx, cfg)
	if err != nil {
		slog.Error("state store init failed", slog.Any("error", err))
		os.Exit(1)
	}
	if stores.Pool != nil {
		defer stores.Pool.Close()
	}

	rdb, err := app.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	queue := redisq.New(rdb, cfg.VisibilityTimeout)
	idem := app.BuildIdempotency(rdb, cfg, stores)

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

	orc := usecase.NewOrchestrator(usecase.Orchestrator{
		Jobs:         stores.Jobs,
		Providers:    stores.Providers,
		Reports:      stores.Reports,
		Idempotency:  idem,
		Queue:        queue,
		Events:       events,
		MaxProviders: cfg.MaxBatchProviders,
		IdemTTL:      cfg.IdempotencyTTL,
	})
	limiter := ratelimit.New(nil)

	// The in-process store holds job state per process, so the worker
	// fleet must run inside this binary in that mode.
	if cfg.UseMemoryStore {
		rulesCfg, err := rules.LoadConfig(cfg.RulesConfigPath)
		if err != nil {
			slog.Error("rules config load failed", slog.Any("error", err))
			os.Exit(1)
		}
		deps := app.WorkerDeps{
			Stores:     stores,
			Queue:      queue,
			Limiter:    limiter,
			Connectors: stub.Registry(),
			Engine:     rules.NewEngine(rulesCfg, &rules.NetResolver{}),
			Signer:     report.NewSigner(cfg.ReportSigningKey),
			Events:     events,
		}
		go app.RunWorkers(ctx, cfg, deps)
		slog.Info("embedded worker fleet started")
	}

	ready := app.NewReadiness()
	if stores.Pool != nil {
		ready.AddPinger("postgres", stores.Pool)
	}
	ready.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })

	srv := httpserver.NewServer(orc, limiter)
	handler := app.BuildRouter(cfg, srv, ready)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
