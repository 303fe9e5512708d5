// Command sweeper runs the admission-control core's periodic maintenance
// pass: evicting idle entries from component B's in-process limiter
// registry on an interval. It replaces the teacher's evaluation-job worker.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	kvredis "github.com/fairyhunter13/sessionadmit/internal/adapter/kv/redis"
	"github.com/fairyhunter13/sessionadmit/internal/config"
	"github.com/fairyhunter13/sessionadmit/internal/observability"
	"github.com/fairyhunter13/sessionadmit/internal/service/concurrency"
	"github.com/fairyhunter13/sessionadmit/internal/service/sweeper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.SetAppEnv(cfg.AppEnv)
	observability.InitMetrics()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("sweeper metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	maxElapsed, initialInterval, maxInterval := cfg.GetKVBackoffConfig()
	kv, err := kvredis.New(cfg.RedisURL, kvredis.WithBackoff(maxElapsed, initialInterval, maxInterval))
	if err != nil {
		slog.Error("kv client connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	registry := concurrency.NewRegistry(kv,
		concurrency.WithCacheSize(cfg.LimiterCacheSize, cfg.LimiterCacheTTL),
	)

	sw := sweeper.New(registry, cfg.SweeperInterval, cfg.SweeperIdleTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("sweeper starting",
		slog.Duration("interval", cfg.SweeperInterval),
		slog.Duration("idle_timeout", cfg.SweeperIdleTimeout))
	go sw.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	cancel()
}
