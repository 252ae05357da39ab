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
	httpDurationBuckets       = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	transitionDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets           = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the adoption service.
// Recording helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec
	RateLimitedTotal      *prometheus.CounterVec

	// Workflow metrics
	TransitionsTotal       *prometheus.CounterVec
	TransitionDuration     *prometheus.HistogramVec
	CascadesTotal          *prometheus.CounterVec
	StoreRetriesTotal      prometheus.Counter
	IdempotentReplaysTotal prometheus.Counter
	ExpirySweepsTotal      *prometheus.CounterVec
	ContractsExpiredTotal  prometheus.Counter

	// Notifier metrics
	NotificationsTotal     *prometheus.CounterVec
	NotifierQueueDepth     prometheus.Gauge
	NotifierCircuitBreaker *prometheus.GaugeVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adoption_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "adoption_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "adoption_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "adoption_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adoption_http_rate_limited_total",
			Help: "Total number of requests rejected by the public rate limiter.",
		}, []string{"path_pattern"}),

		// Workflow
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adoption_transitions_total",
			Help: "Total number of transition requests by outcome.",
		}, []string{"kind", "transition", "outcome"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "adoption_transition_duration_seconds",
			Help:    "Transition request duration in seconds.",
			Buckets: transitionDurationBuckets,
		}, []string{"kind"}),
		CascadesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adoption_cascades_total",
			Help: "Total number of cascaded status changes.",
		}, []string{"kind", "to"}),
		StoreRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adoption_store_retries_total",
			Help: "Total number of entity store retries.",
		}),
		IdempotentReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adoption_idempotent_replays_total",
			Help: "Total number of transition results served from the idempotency store.",
		}),
		ExpirySweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adoption_expiry_sweeps_total",
			Help: "Total number of contract expiry sweeps.",
		}, []string{"status"}),
		ContractsExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adoption_contracts_expired_total",
			Help: "Total number of contracts expired by the sweep.",
		}),

		// Notifier
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adoption_notifications_total",
			Help: "Total number of notification deliveries by sink and outcome.",
		}, []string{"sink", "kind", "outcome"}),
		NotifierQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adoption_notifier_queue_depth",
			Help: "Number of notifications waiting for delivery.",
		}),
		NotifierCircuitBreaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "adoption_notifier_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"sink"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.RateLimitedTotal,
		// Workflow
		m.TransitionsTotal,
		m.TransitionDuration,
		m.CascadesTotal,
		m.StoreRetriesTotal,
		m.IdempotentReplaysTotal,
		m.ExpirySweepsTotal,
		m.ContractsExpiredTotal,
		// Notifier
		m.NotificationsTotal,
		m.NotifierQueueDepth,
		m.NotifierCircuitBreaker,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordRateLimited records a request rejected by the public rate limiter.
func (m *Metrics) RecordRateLimited(pathPattern string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(pathPattern).Inc()
}

// RecordTransition records the outcome of a transition request. Outcome is
// "committed" or the error code that ended it.
func (m *Metrics) RecordTransition(kind, transition, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(kind, transition, outcome).Inc()
	m.TransitionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordCascade records one cascaded status change.
func (m *Metrics) RecordCascade(kind, to string) {
	if m == nil {
		return
	}
	m.CascadesTotal.WithLabelValues(kind, to).Inc()
}

// RecordStoreRetry records a retried unit of work.
func (m *Metrics) RecordStoreRetry() {
	if m == nil {
		return
	}
	m.StoreRetriesTotal.Inc()
}

// RecordIdempotentReplay records a result served from the idempotency store.
func (m *Metrics) RecordIdempotentReplay() {
	if m == nil {
		return
	}
	m.IdempotentReplaysTotal.Inc()
}

// RecordExpirySweep records a completed expiry sweep and the number of
// contracts it expired.
func (m *Metrics) RecordExpirySweep(status string, expired int) {
	if m == nil {
		return
	}
	m.ExpirySweepsTotal.WithLabelValues(status).Inc()
	m.ContractsExpiredTotal.Add(float64(expired))
}

// RecordNotification records a delivery attempt. Outcome is one of
// "delivered", "failed", "rejected" (circuit open) or "dropped".
func (m *Metrics) RecordNotification(sink, kind, outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(sink, kind, outcome).Inc()
}

// SetNotifierQueueDepth sets the number of queued notifications.
func (m *Metrics) SetNotifierQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.NotifierQueueDepth.Set(float64(depth))
}

// SetNotifierCircuitBreakerState sets the circuit breaker state for a sink.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetNotifierCircuitBreakerState(sink string, state float64) {
	if m == nil {
		return
	}
	m.NotifierCircuitBreaker.WithLabelValues(sink).Set(state)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

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

// statusRecorder wraps http.ResponseWriter to capture status and bytes.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
