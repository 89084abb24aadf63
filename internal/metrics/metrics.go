// Package metrics provides Prometheus metrics for the intake and preview functions.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpreview_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docpreview_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Intake metrics
	intakeVerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpreview_intake_verdicts_total",
			Help: "Total intake validations by outcome",
		},
		[]string{"result"},
	)

	intakeBytesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docpreview_intake_bytes_stored_total",
			Help: "Total bytes persisted by the upload function",
		},
	)

	thumbnailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpreview_intake_thumbnails_total",
			Help: "Local image previews by outcome",
		},
		[]string{"status"},
	)

	// Preview metrics
	previewOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docpreview_preview_outcomes_total",
			Help: "Terminal preview outcomes by format and phase",
		},
		[]string{"format", "phase", "kind"},
	)

	adapterDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docpreview_adapter_duration_seconds",
			Help:    "Adapter run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"format"},
	)

	staleResultsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docpreview_preview_stale_results_total",
			Help: "Asynchronous results discarded because the session had moved on",
		},
	)

	retriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docpreview_preview_retries_total",
			Help: "Total Retry events accepted",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordVerdict records an intake validation result. reason is empty for accepted candidates.
func RecordVerdict(valid bool, reason string) {
	result := "accepted"
	if !valid {
		result = reason
	}
	intakeVerdictsTotal.WithLabelValues(result).Inc()
}

// RecordStored records bytes persisted to the storage backend.
func RecordStored(bytes int64) {
	intakeBytesStored.Add(float64(bytes))
}

// RecordThumbnail records a local image preview attempt.
func RecordThumbnail(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	thumbnailsTotal.WithLabelValues(status).Inc()
}

// RecordPreviewOutcome records a terminal preview transition. kind is empty on success.
func RecordPreviewOutcome(format, phase, kind string) {
	previewOutcomesTotal.WithLabelValues(format, phase, kind).Inc()
}

// RecordAdapterRun records how long an adapter path took.
func RecordAdapterRun(format string, duration time.Duration) {
	adapterDuration.WithLabelValues(format).Observe(duration.Seconds())
}

// RecordStaleResult records a discarded asynchronous completion.
func RecordStaleResult() {
	staleResultsTotal.Inc()
}

// RecordRetry records an accepted Retry.
func RecordRetry() {
	retriesTotal.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(methodLabel(r.Method), routeLabel(r), rw.statusCode, time.Since(start))
	})
}

// unmatchedRoute labels requests that no registered pattern served.
const unmatchedRoute = "unmatched"

// routeLabel returns the mux pattern that served r, without its method, so
// the path label stays bounded by the registered routes. It relies on the
// wrapped ServeMux setting r.Pattern on the shared request.
func routeLabel(r *http.Request) string {
	if r.Pattern == "" {
		return unmatchedRoute
	}
	if _, path, ok := strings.Cut(r.Pattern, " "); ok {
		return path
	}
	return r.Pattern
}

func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
		return method
	}
	return "OTHER"
}
