// Package observability provides logging, metrics, and tracing support
// shared across the admission-control core.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// AdmissionRequestsTotal counts admission decisions by resourceId and outcome
	// ("granted", "rejected").
	AdmissionRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_requests_total",
			Help: "Total number of admission decisions by resource and outcome",
		},
		[]string{"resource_id", "outcome"},
	)
	// AdmissionRejectionsTotal counts rejections by the error code surfaced to
	// the caller (§6/§7 error taxonomy).
	AdmissionRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_rejections_total",
			Help: "Total number of admission rejections by error code",
		},
		[]string{"resource_id", "code"},
	)
	// AdmissionQueueWaitDuration records time spent queued before acquiring a
	// concurrency slot or timing out (component B).
	AdmissionQueueWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "admission_queue_wait_seconds",
			Help:    "Time spent waiting in the concurrency queue before admission or timeout",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"resource_id"},
	)
	// AdmissionHoldDuration records the time a slot is held between acquire and
	// release, i.e. actual execution time (component B).
	AdmissionHoldDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "admission_hold_duration_seconds",
			Help:    "Time a concurrency slot is held between acquire and release",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"resource_id"},
	)

	// LimiterRunningGauge tracks the current running count per resourceId.
	LimiterRunningGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "limiter_running",
			Help: "Current number of in-flight requests admitted per resource",
		},
		[]string{"resource_id"},
	)
	// LimiterQueuedGauge tracks the current queue depth per resourceId.
	LimiterQueuedGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "limiter_queued",
			Help: "Current number of requests queued per resource",
		},
		[]string{"resource_id"},
	)
	// LimiterRegistrySize tracks how many resourceIds are currently cached in
	// the in-process LRU registry (component B).
	LimiterRegistrySize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "limiter_registry_size",
			Help: "Number of resource limiter entries currently cached in-process",
		},
	)

	// SessionQuotaRejectionsTotal counts quota rejections by accountId
	// (component C).
	SessionQuotaRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_quota_rejections_total",
			Help: "Total number of session quota rejections by account",
		},
		[]string{"account_id"},
	)
	// SessionQuotaWindowSize tracks the observed sliding-window membership
	// count at the time of the last quota check (component C).
	SessionQuotaWindowSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "session_quota_window_size",
			Help: "Observed sliding-window session count at last quota check",
		},
		[]string{"account_id"},
	)

	// DigestTransitionsTotal counts classified digest transitions by kind
	// (component D).
	DigestTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_digest_transitions_total",
			Help: "Total number of session digest transitions by classification",
		},
		[]string{"transition"},
	)
	// DigestViolationsTotal counts rejected digest transitions by violation
	// kind (component D).
	DigestViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_digest_violations_total",
			Help: "Total number of rejected session digest transitions by violation kind",
		},
		[]string{"violation"},
	)

	// StickyBindingsTotal counts sticky-binding outcomes ("hit", "created",
	// "renewed") (component E).
	StickyBindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sticky_bindings_total",
			Help: "Total number of sticky binding lookups by outcome",
		},
		[]string{"outcome"},
	)

	// CircuitBreakerStatus tracks circuit breaker state per service/operation.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "operation"},
	)

	// KVBackendErrorsTotal counts KV/scripting backend errors by operation
	// (component A).
	KVBackendErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kv_backend_errors_total",
			Help: "Total number of KV/scripting backend errors by operation",
		},
		[]string{"operation"},
	)

	// AuditPublishFailuresTotal counts best-effort audit publish failures
	// (component G). Publish never blocks the admission path, so this is the
	// only signal an operator has into broker health.
	AuditPublishFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_publish_failures_total",
			Help: "Total number of best-effort audit publish failures",
		},
		[]string{"reason"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(AdmissionRequestsTotal)
	prometheus.MustRegister(AdmissionRejectionsTotal)
	prometheus.MustRegister(AdmissionQueueWaitDuration)
	prometheus.MustRegister(AdmissionHoldDuration)
	prometheus.MustRegister(LimiterRunningGauge)
	prometheus.MustRegister(LimiterQueuedGauge)
	prometheus.MustRegister(LimiterRegistrySize)
	prometheus.MustRegister(SessionQuotaRejectionsTotal)
	prometheus.MustRegister(SessionQuotaWindowSize)
	prometheus.MustRegister(DigestTransitionsTotal)
	prometheus.MustRegister(DigestViolationsTotal)
	prometheus.MustRegister(StickyBindingsTotal)
	prometheus.MustRegister(CircuitBreakerStatus)
	prometheus.MustRegister(KVBackendErrorsTotal)
	prometheus.MustRegister(AuditPublishFailuresTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// RecordAdmission records a terminal admission outcome for a resource.
func RecordAdmission(resourceID, outcome string) {
	AdmissionRequestsTotal.WithLabelValues(resourceID, outcome).Inc()
}

// RecordRejection records a rejection by its surfaced error code.
func RecordRejection(resourceID string, code string) {
	AdmissionRejectionsTotal.WithLabelValues(resourceID, code).Inc()
}

// RecordQueueWait records time spent queued for a concurrency slot.
func RecordQueueWait(resourceID string, d time.Duration) {
	AdmissionQueueWaitDuration.WithLabelValues(resourceID).Observe(d.Seconds())
}

// RecordHoldDuration records the time a concurrency slot was held.
func RecordHoldDuration(resourceID string, d time.Duration) {
	AdmissionHoldDuration.WithLabelValues(resourceID).Observe(d.Seconds())
}

// SetLimiterGauges sets the running/queued gauges for a resource.
func SetLimiterGauges(resourceID string, running, queued int) {
	LimiterRunningGauge.WithLabelValues(resourceID).Set(float64(running))
	LimiterQueuedGauge.WithLabelValues(resourceID).Set(float64(queued))
}

// RecordQuotaRejection records a session quota rejection for an account.
func RecordQuotaRejection(accountID string) {
	SessionQuotaRejectionsTotal.WithLabelValues(accountID).Inc()
}

// SetQuotaWindowSize records the observed sliding-window membership count.
func SetQuotaWindowSize(accountID string, size int64) {
	SessionQuotaWindowSize.WithLabelValues(accountID).Set(float64(size))
}

// RecordDigestTransition records a classified digest transition.
func RecordDigestTransition(transition string) {
	DigestTransitionsTotal.WithLabelValues(transition).Inc()
}

// RecordDigestViolation records a rejected digest transition.
func RecordDigestViolation(violation string) {
	DigestViolationsTotal.WithLabelValues(violation).Inc()
}

// RecordStickyBinding records a sticky binding lookup outcome.
func RecordStickyBinding(outcome string) {
	StickyBindingsTotal.WithLabelValues(outcome).Inc()
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(service, operation string, status int) {
	CircuitBreakerStatus.WithLabelValues(service, operation).Set(float64(status))
}

// RecordKVBackendError records a KV/scripting backend error by operation.
func RecordKVBackendError(operation string) {
	KVBackendErrorsTotal.WithLabelValues(operation).Inc()
}

// RecordAuditPublishFailure records a best-effort audit publish failure.
func RecordAuditPublishFailure(reason string) {
	AuditPublishFailuresTotal.WithLabelValues(reason).Inc()
}
