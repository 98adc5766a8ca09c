package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
	uploadSizeBuckets   = []float64{10240, 102400, 1048576, 10485760, 33554432}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal   *prometheus.CounterVec
	StageTransitionsTotal *prometheus.CounterVec
	ConflictRetriesTotal  *prometheus.CounterVec

	// Evidence metrics
	EvidenceUploadsTotal *prometheus.CounterVec
	EvidenceUploadBytes  prometheus.Histogram

	// Delivery metrics
	IdempotentReplaysTotal      prometheus.Counter
	NotificationDeliveriesTotal *prometheus.CounterVec

	// System metrics
	TemplatesLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagegate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagegate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagegate_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagegate_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagegate_workflow_starts_total",
			Help: "Total number of workflow instances started.",
		}, []string{"workflow_type"}),
		StageTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagegate_stage_transitions_total",
			Help: "Total number of committed stage status transitions.",
		}, []string{"workflow_type", "stage_key", "from", "to"}),
		ConflictRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagegate_conflict_retries_total",
			Help: "Total number of compare-and-set conflicts retried by the engine.",
		}, []string{"operation"}),

		// Evidence
		EvidenceUploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagegate_evidence_uploads_total",
			Help: "Total number of evidence files uploaded.",
		}, []string{"status"}),
		EvidenceUploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stagegate_evidence_upload_bytes",
			Help:    "Evidence upload size in bytes.",
			Buckets: uploadSizeBuckets,
		}),

		// Delivery
		IdempotentReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagegate_idempotent_replays_total",
			Help: "Total number of responses replayed for a repeated idempotency key.",
		}),
		NotificationDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagegate_notification_deliveries_total",
			Help: "Total number of transition notification delivery attempts.",
		}, []string{"event", "status"}),

		// System
		TemplatesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagegate_templates_loaded",
			Help: "Number of registered workflow templates.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflows
		m.WorkflowStartsTotal,
		m.StageTransitionsTotal,
		m.ConflictRetriesTotal,
		// Evidence
		m.EvidenceUploadsTotal,
		m.EvidenceUploadBytes,
		// Delivery
		m.IdempotentReplaysTotal,
		m.NotificationDeliveriesTotal,
		// System
		m.TemplatesLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTransition records a committed stage transition. A transition out
// of the empty status is the first stage of a new instance.
func (m *Metrics) RecordTransition(workflowType, stageKey, from, to string) {
	if from == "" {
		m.WorkflowStartsTotal.WithLabelValues(workflowType).Inc()
	}
	m.StageTransitionsTotal.WithLabelValues(workflowType, stageKey, from, to).Inc()
}

// RecordConflictRetry records a compare-and-set conflict that was retried.
func (m *Metrics) RecordConflictRetry(operation string) {
	m.ConflictRetriesTotal.WithLabelValues(operation).Inc()
}

// RecordEvidenceUpload records an evidence upload attempt.
func (m *Metrics) RecordEvidenceUpload(status string, size int64) {
	m.EvidenceUploadsTotal.WithLabelValues(status).Inc()
	if status == "ok" {
		m.EvidenceUploadBytes.Observe(float64(size))
	}
}

// RecordIdempotentReplay records a response served from the idempotency store.
func (m *Metrics) RecordIdempotentReplay() {
	m.IdempotentReplaysTotal.Inc()
}

// RecordNotificationDelivery records one delivery attempt of a transition
// notification.
func (m *Metrics) RecordNotificationDelivery(event, status string) {
	m.NotificationDeliveriesTotal.WithLabelValues(event, status).Inc()
}

// SetTemplatesLoaded sets the number of registered workflow templates.
func (m *Metrics) SetTemplatesLoaded(count float64) {
	m.TemplatesLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
