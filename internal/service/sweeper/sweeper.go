// Package sweeper implements cmd/sweeper's periodic maintenance pass,
// grounded in the teacher's stuck-job sweeper (internal/app.StuckJobSweeper):
// a ticker loop that does one bounded unit of work per tick and logs what it
// did, rather than blocking indefinitely on any one resource.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/sessionadmit/internal/service/concurrency"
)

// Sweeper periodically evicts idle entries from component B's in-process
// limiter registry. Sticky bindings (component E) and session windows
// (component C) are not walked here: both are Redis keys with an EXPIRE set
// on every write (§4.C, §4.E), so they already self-clean on the KV side;
// this sweeper's job is strictly the in-process memory this one registry
// instance holds, which Redis's own expiry cannot reach.
type Sweeper struct {
	registry    *concurrency.Registry
	interval    time.Duration
	idleTimeout time.Duration
}

// New constructs a Sweeper bound to registry. interval/idleTimeout default
// to cmd/sweeper's SWEEPER_INTERVAL/SWEEPER_IDLE_TIMEOUT configuration.
func New(registry *concurrency.Registry, interval, idleTimeout time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	return &Sweeper{registry: registry, interval: interval, idleTimeout: idleTimeout}
}

// Run blocks, sweeping on every tick until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

var tracer = otel.Tracer("sessionadmit/sweeper")

func (s *Sweeper) sweepOnce(ctx context.Context) {
	_, span := tracer.Start(ctx, "Sweeper.sweepOnce", trace.WithAttributes(
		attribute.Float64("idle_timeout_seconds", s.idleTimeout.Seconds()),
	))
	defer span.End()

	evicted := s.registry.EvictIdle(s.idleTimeout)
	span.SetAttributes(attribute.Int("registry.evicted", evicted))
	if evicted > 0 {
		slog.Info("sweeper evicted idle limiter entries", slog.Int("count", evicted))
	}
}
