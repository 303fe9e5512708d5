// Package app wires the admission-control core's components into an HTTP
// handler and startup helpers, mirroring the teacher's thin app package
// (internal/app in the teacher) that sits between cmd/ and the adapters.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/sessionadmit/internal/adapter/httpserver"
	"github.com/fairyhunter13/sessionadmit/internal/config"
	"github.com/fairyhunter13/sessionadmit/internal/observability"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty or "*" input allows any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the admission-control HTTP handler: middleware
// chain, the /v1/admit admission surface, and health/readiness/metrics.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"POST", "DELETE", "GET"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Admission requests are bounded upstream by component B's own limiter,
	// but a per-IP rate limit protects the KV backend from a runaway client
	// flooding it with requests that would all queue and then time out.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(600, time.Minute))
		wr.Post("/v1/admit", srv.AdmitHandler())
		wr.Delete("/v1/admit/{token}", srv.ReleaseHandler())
	})

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return httpserver.SecurityHeaders(r)
}
