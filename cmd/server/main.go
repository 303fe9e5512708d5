// Command server starts the admission-control core's HTTP surface.
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

	"github.com/fairyhunter13/sessionadmit/internal/adapter/audit/kafka"
	httpserver "github.com/fairyhunter13/sessionadmit/internal/adapter/httpserver"
	kvredis "github.com/fairyhunter13/sessionadmit/internal/adapter/kv/redis"
	"github.com/fairyhunter13/sessionadmit/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/sessionadmit/internal/app"
	"github.com/fairyhunter13/sessionadmit/internal/config"
	"github.com/fairyhunter13/sessionadmit/internal/domain"
	"github.com/fairyhunter13/sessionadmit/internal/observability"
	"github.com/fairyhunter13/sessionadmit/internal/service/concurrency"
	"github.com/fairyhunter13/sessionadmit/internal/service/coordinator"
	"github.com/fairyhunter13/sessionadmit/internal/service/digest"
	"github.com/fairyhunter13/sessionadmit/internal/service/quota"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.SetAppEnv(cfg.AppEnv)
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

	ctx := context.Background()

	// Component A: shared KV/scripting client.
	maxElapsed, initialInterval, maxInterval := cfg.GetKVBackoffConfig()
	kv, err := kvredis.New(cfg.RedisURL, kvredis.WithBackoff(maxElapsed, initialInterval, maxInterval))
	if err != nil {
		slog.Error("kv client connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Component F: durable canonical-record mirror, backed by Postgres.
	// Best-effort: if Postgres is unreachable at startup the server still
	// runs, just without the mirror (Redis remains authoritative).
	var canonicalStore domain.CanonicalRecordStore
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("canonical record store unavailable; continuing without the durable mirror", slog.Any("error", err))
	} else {
		defer pool.Close()
		canonicalStore = postgres.NewCanonicalRecordRepo(pool)
	}

	// Component G: best-effort audit event publisher.
	var auditPublisher domain.AuditPublisher
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := kafka.NewPublisher(cfg.KafkaBrokers, cfg.AuditKafkaTopic)
		if err != nil {
			slog.Error("audit publisher unavailable; continuing without audit events", slog.Any("error", err))
		} else {
			defer func() { _ = pub.Close() }()
			auditPublisher = pub
		}
	}

	// Component B, C, D: concurrency registry, quota manager, digest validator.
	registry := concurrency.NewRegistry(kv,
		concurrency.WithDefaults(domain.ResourceLimiterConfig{
			Enabled:          true,
			MaxConcurrency:   cfg.DefaultMaxConcurrency,
			QueueSize:        cfg.DefaultQueueSize,
			QueueWaitSeconds: cfg.DefaultQueueWaitSeconds,
			ExecutionSeconds: int(cfg.DefaultExecutionTimeout.Seconds()),
		}),
		concurrency.WithCacheSize(cfg.LimiterCacheSize, cfg.LimiterCacheTTL),
	)
	quotaMgr := quota.NewManager(kv)
	validator := digest.NewValidator(kv)

	accounts, err := buildAccountProvider(cfg.AccountsSeedFile)
	if err != nil {
		slog.Error("account catalog seed failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Component E: session coordinator & scheduler.
	coord := coordinator.New(kv, registry, quotaMgr, validator, accounts, auditPublisher, coordinator.Config{
		StickyTTLHours:          cfg.StickyTTLHours,
		RenewalThresholdMinutes: cfg.RenewalThresholdMinutes,
	})
	if canonicalStore != nil {
		coord = coord.WithCanonicalStore(canonicalStore)
	}

	srv := httpserver.NewServer(coord, func(ctx domain.Context) error {
		_, _, err := kv.Get(ctx, "healthcheck")
		return err
	})

	handler := app.BuildRouter(cfg, srv)

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

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
