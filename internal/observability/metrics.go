package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	jobDurationBuckets  = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576, 5242880}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowActionsTotal     *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowActiveInstances  *prometheus.GaugeVec

	// Escalation metrics
	EscalationsCreatedTotal  *prometheus.CounterVec
	EscalationsResolvedTotal prometheus.Counter

	// Signing metrics
	SigningEventsTotal           *prometheus.CounterVec
	TokenValidationFailuresTotal *prometheus.CounterVec

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec

	// Job metrics
	JobRunsTotal *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "covenant_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "covenant_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "covenant_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "covenant_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "covenant_workflow_starts_total",
			Help: "Total number of workflow starts.",
		}, []string{"template_id"}),
		WorkflowActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "covenant_workflow_actions_total",
			Help: "Total number of stage actions performed.",
		}, []string{"action"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "covenant_workflow_completions_total",
			Help: "Total number of workflow completions.",
		}, []string{"template_id"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "covenant_workflow_active_instances",
			Help: "Number of workflow instances started and not yet completed by this process.",
		}, []string{"template_id"}),

		// Escalations
		EscalationsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "covenant_escalations_created_total",
			Help: "Total number of escalation events created.",
		}, []string{"tier"}),
		EscalationsResolvedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "covenant_escalations_resolved_total",
			Help: "Total number of escalation events resolved.",
		}),

		// Signing
		SigningEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "covenant_signing_sessions_total",
			Help: "Total number of signing session events.",
		}, []string{"event"}),
		TokenValidationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "covenant_token_validation_failures_total",
			Help: "Total number of rejected signing tokens.",
		}, []string{"code"}),

		// Notifications
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "covenant_notifications_total",
			Help: "Total number of notifications handed to the bus.",
		}, []string{"kind", "status"}),

		// Jobs
		JobRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "covenant_job_runs_total",
			Help: "Total number of background job runs.",
		}, []string{"job", "status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "covenant_job_duration_seconds",
			Help:    "Background job duration in seconds.",
			Buckets: jobDurationBuckets,
		}, []string{"job"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflows
		m.WorkflowStartsTotal,
		m.WorkflowActionsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveInstances,
		// Escalations
		m.EscalationsCreatedTotal,
		m.EscalationsResolvedTotal,
		// Signing
		m.SigningEventsTotal,
		m.TokenValidationFailuresTotal,
		// Notifications
		m.NotificationsTotal,
		// Jobs
		m.JobRunsTotal,
		m.JobDuration,
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

// RecordWorkflowStart records a workflow start.
func (m *Metrics) RecordWorkflowStart(templateID string) {
	m.WorkflowStartsTotal.WithLabelValues(templateID).Inc()
	m.WorkflowActiveInstances.WithLabelValues(templateID).Inc()
}

// RecordWorkflowAction records a stage action.
func (m *Metrics) RecordWorkflowAction(action string) {
	m.WorkflowActionsTotal.WithLabelValues(action).Inc()
}

// RecordWorkflowCompletion records a workflow completion.
func (m *Metrics) RecordWorkflowCompletion(templateID string) {
	m.WorkflowCompletionsTotal.WithLabelValues(templateID).Inc()
	m.WorkflowActiveInstances.WithLabelValues(templateID).Dec()
}

// RecordEscalationCreated records a new escalation event at the given tier.
func (m *Metrics) RecordEscalationCreated(tier int) {
	m.EscalationsCreatedTotal.WithLabelValues(strconv.Itoa(tier)).Inc()
}

// RecordEscalationResolved records a resolved escalation event.
func (m *Metrics) RecordEscalationResolved() {
	m.EscalationsResolvedTotal.Inc()
}

// RecordSigningEvent records a signing session event such as created,
// signed or completed.
func (m *Metrics) RecordSigningEvent(event string) {
	m.SigningEventsTotal.WithLabelValues(event).Inc()
}

// RecordTokenValidationFailure records a rejected signing token by error code.
func (m *Metrics) RecordTokenValidationFailure(code string) {
	m.TokenValidationFailuresTotal.WithLabelValues(code).Inc()
}

// RecordNotification records a notification handed to the bus.
func (m *Metrics) RecordNotification(kind, status string) {
	m.NotificationsTotal.WithLabelValues(kind, status).Inc()
}

// RecordJobRun records a background job run.
func (m *Metrics) RecordJobRun(job, status string, duration time.Duration) {
	m.JobRunsTotal.WithLabelValues(job, status).Inc()
	m.JobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// --- HTTP Middleware ---

// MetricsMiddleware records request metrics labelled by chi route pattern.
// Signing links carry their token in the path, so the raw path never
// becomes a label.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		reqSize := max(int(r.ContentLength), 0)
		m.RecordHTTPRequest(r.Method, routePattern(r), status, time.Since(start), reqSize, ww.BytesWritten())
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler that serves a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern returns the matched chi route, or "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return "unmatched"
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return "unmatched"
}
