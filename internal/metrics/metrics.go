// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ai_engine",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ai_engine",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	jobExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ai_engine",
			Subsystem: "jobs",
			Name:      "executions_total",
			Help:      "Total number of job executions by type and outcome.",
		},
		[]string{"type", "status"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ai_engine",
			Subsystem: "jobs",
			Name:      "execution_duration_seconds",
			Help:      "Duration of job executions.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7m
		},
		[]string{"type"},
	)

	providerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ai_engine",
			Subsystem: "providers",
			Name:      "calls_total",
			Help:      "Total number of provider calls.",
		},
		[]string{"provider", "capability", "success"},
	)

	providerFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ai_engine",
			Subsystem: "providers",
			Name:      "fallbacks_total",
			Help:      "Total number of fallback attempts by capability.",
		},
		[]string{"capability"},
	)

	refundFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ai_engine",
			Subsystem: "billing",
			Name:      "refund_failures_total",
			Help:      "Refunds that failed after a job failure; each one is a billing discrepancy until reconciled.",
		},
	)

	reconciledRefunds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ai_engine",
			Subsystem: "billing",
			Name:      "reconciled_refunds_total",
			Help:      "Missing refunds issued by the reconciliation sweep.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		jobExecutions,
		jobDuration,
		providerCalls,
		providerFallbacks,
		refundFailures,
		reconciledRefunds,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		httpRequests.WithLabelValues(strings.ToUpper(r.Method), canonicalPath(r.URL.Path), strconv.Itoa(rec.status)).Inc()
	})
}

// RecordJobExecution records the outcome of a dispatched job.
func RecordJobExecution(jobType, status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	jobExecutions.WithLabelValues(jobType, status).Inc()
	jobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// RecordProviderCall records one provider invocation.
func RecordProviderCall(provider, capability string, success bool) {
	providerCalls.WithLabelValues(provider, capability, strconv.FormatBool(success)).Inc()
}

// RecordProviderFallback records a fallback attempt.
func RecordProviderFallback(capability string) {
	providerFallbacks.WithLabelValues(capability).Inc()
}

// RecordRefundFailure records a refund that could not be applied.
func RecordRefundFailure() { refundFailures.Inc() }

// RecordReconciledRefund records a refund issued by the reconciliation sweep.
func RecordReconciledRefund() { reconciledRefunds.Inc() }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	// Collapse identifiers so label cardinality stays bounded:
	// /v1/jobs/{id}/cancel -> /v1/jobs/:id/cancel
	for i, p := range parts {
		if i >= 2 && len(p) > 16 {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}
