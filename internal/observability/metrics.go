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
	httpDurationBuckets         = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	collaboratorDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	stepDurationBuckets         = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60}
	bodySizeBuckets             = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Case metrics
	CaseSubmissionsTotal   prometheus.Counter
	CaseCompletionsTotal   *prometheus.CounterVec
	CasesActive            prometheus.Gauge
	CaseSweepTimeoutsTotal prometheus.Counter
	IdempotentReplaysTotal prometheus.Counter
	IntakeRejectionsTotal  prometheus.Counter

	// Step metrics
	StepOutcomesTotal *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec

	// Stream metrics
	StreamSubscribers        prometheus.Gauge
	StreamMessagesTotal      *prometheus.CounterVec
	StreamDroppedSubscribers prometheus.Counter
	StreamReplayedEvents     prometheus.Counter

	// Collaborator invocation metrics
	CollaboratorRequestsTotal       *prometheus.CounterVec
	CollaboratorRequestDuration     *prometheus.HistogramVec
	CollaboratorCircuitBreakerState *prometheus.GaugeVec
	CollaboratorRetriesTotal        *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "handoff_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "handoff_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "handoff_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Cases
		CaseSubmissionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "handoff_case_submissions_total",
			Help: "Total number of discharge cases submitted.",
		}),
		CaseCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_case_completions_total",
			Help: "Total number of cases reaching a terminal status.",
		}, []string{"final_status"}),
		CasesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "handoff_cases_active",
			Help: "Number of cases currently being coordinated.",
		}),
		CaseSweepTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "handoff_case_sweep_timeouts_total",
			Help: "Total number of stale cases marked error by the sweeper.",
		}),
		IdempotentReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "handoff_idempotent_replays_total",
			Help: "Total number of submissions answered from the idempotency store.",
		}),
		IntakeRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "handoff_intake_rejections_total",
			Help: "Total number of submissions rejected by intake validation.",
		}),

		// Steps
		StepOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_step_outcomes_total",
			Help: "Total number of step executor outcomes.",
		}, []string{"step", "status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "handoff_step_duration_seconds",
			Help:    "Step executor duration in seconds.",
			Buckets: stepDurationBuckets,
		}, []string{"step"}),

		// Stream
		StreamSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "handoff_stream_subscribers",
			Help: "Number of open workflow event stream connections.",
		}),
		StreamMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_stream_messages_total",
			Help: "Total number of stream messages delivered, by type.",
		}, []string{"type"}),
		StreamDroppedSubscribers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "handoff_stream_dropped_subscribers_total",
			Help: "Total number of subscribers dropped for falling behind.",
		}),
		StreamReplayedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "handoff_stream_replayed_events_total",
			Help: "Total number of timeline events replayed to new subscribers.",
		}),

		// Collaborators
		CollaboratorRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_collaborator_requests_total",
			Help: "Total number of collaborator service requests.",
		}, []string{"service", "status"}),
		CollaboratorRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "handoff_collaborator_request_duration_seconds",
			Help:    "Collaborator request duration in seconds.",
			Buckets: collaboratorDurationBuckets,
		}, []string{"service"}),
		CollaboratorCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "handoff_collaborator_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"service"}),
		CollaboratorRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_collaborator_retries_total",
			Help: "Total number of collaborator request retries.",
		}, []string{"service"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Cases
		m.CaseSubmissionsTotal,
		m.CaseCompletionsTotal,
		m.CasesActive,
		m.CaseSweepTimeoutsTotal,
		m.IdempotentReplaysTotal,
		m.IntakeRejectionsTotal,
		// Steps
		m.StepOutcomesTotal,
		m.StepDuration,
		// Stream
		m.StreamSubscribers,
		m.StreamMessagesTotal,
		m.StreamDroppedSubscribers,
		m.StreamReplayedEvents,
		// Collaborators
		m.CollaboratorRequestsTotal,
		m.CollaboratorRequestDuration,
		m.CollaboratorCircuitBreakerState,
		m.CollaboratorRetriesTotal,
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

// RecordCaseSubmission records a submitted case.
func (m *Metrics) RecordCaseSubmission() {
	m.CaseSubmissionsTotal.Inc()
	m.CasesActive.Inc()
}

// RecordCaseCompletion records a case reaching a terminal status.
func (m *Metrics) RecordCaseCompletion(finalStatus string) {
	m.CaseCompletionsTotal.WithLabelValues(finalStatus).Inc()
	m.CasesActive.Dec()
}

// RecordCaseSweepTimeout records a stale case marked error by the sweeper.
func (m *Metrics) RecordCaseSweepTimeout() {
	m.CaseSweepTimeoutsTotal.Inc()
}

// RecordIdempotentReplay records a submission served from the idempotency store.
func (m *Metrics) RecordIdempotentReplay() {
	m.IdempotentReplaysTotal.Inc()
}

// RecordIntakeRejection records a submission rejected by intake validation.
func (m *Metrics) RecordIntakeRejection() {
	m.IntakeRejectionsTotal.Inc()
}

// RecordStepOutcome records a step executor outcome and its duration.
func (m *Metrics) RecordStepOutcome(step, status string, duration time.Duration) {
	m.StepOutcomesTotal.WithLabelValues(step, status).Inc()
	m.StepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordStreamSubscribe records a stream connection opening.
func (m *Metrics) RecordStreamSubscribe() {
	m.StreamSubscribers.Inc()
}

// RecordStreamUnsubscribe records a stream connection closing.
func (m *Metrics) RecordStreamUnsubscribe() {
	m.StreamSubscribers.Dec()
}

// RecordStreamMessage records one delivered stream message.
func (m *Metrics) RecordStreamMessage(msgType string) {
	m.StreamMessagesTotal.WithLabelValues(msgType).Inc()
}

// RecordStreamDrop records a subscriber dropped for falling behind.
func (m *Metrics) RecordStreamDrop() {
	m.StreamDroppedSubscribers.Inc()
}

// RecordStreamReplay records replayed events delivered to a new subscriber.
func (m *Metrics) RecordStreamReplay(count int) {
	m.StreamReplayedEvents.Add(float64(count))
}

// RecordCollaboratorRequest records a collaborator service request.
func (m *Metrics) RecordCollaboratorRequest(service string, status int, duration time.Duration) {
	m.CollaboratorRequestsTotal.WithLabelValues(service, strconv.Itoa(status)).Inc()
	m.CollaboratorRequestDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// SetCollaboratorCircuitBreakerState sets the circuit breaker state for a
// service. State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetCollaboratorCircuitBreakerState(service string, state float64) {
	m.CollaboratorCircuitBreakerState.WithLabelValues(service).Set(state)
}

// RecordCollaboratorRetry records a collaborator request retry.
func (m *Metrics) RecordCollaboratorRetry(service string) {
	m.CollaboratorRetriesTotal.WithLabelValues(service).Inc()
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
// Flush and Unwrap are forwarded so the stream handler can flush through it.
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

func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
