package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	expected := []string{
		"covenant_http_requests_total",
		"covenant_http_request_duration_seconds",
		"covenant_http_request_size_bytes",
		"covenant_http_response_size_bytes",
		"covenant_workflow_starts_total",
		"covenant_workflow_actions_total",
		"covenant_workflow_completions_total",
		"covenant_workflow_active_instances",
		"covenant_escalations_created_total",
		"covenant_escalations_resolved_total",
		"covenant_signing_sessions_total",
		"covenant_token_validation_failures_total",
		"covenant_notifications_total",
		"covenant_job_runs_total",
		"covenant_job_duration_seconds",
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordWorkflowStart("tpl-1")
	m.RecordWorkflowAction("approve")
	m.RecordWorkflowCompletion("tpl-1")
	m.RecordEscalationCreated(1)
	m.RecordEscalationResolved()
	m.RecordSigningEvent("created")
	m.RecordTokenValidationFailure("EXPIRED_TOKEN")
	m.RecordNotification("invitation", "published")
	m.RecordJobRun("escalation_check", "success", time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/api/v1/templates/{templateID}", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/api/v1/templates/{templateID}", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/sign/{token}", 500, 200*time.Millisecond, 512, 256)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/templates/{templateID}", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/sign/{token}", "500"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordWorkflowLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordWorkflowStart("tpl-1")
	m.RecordWorkflowStart("tpl-1")
	m.RecordWorkflowAction("submit")
	m.RecordWorkflowAction("submit")
	m.RecordWorkflowAction("reject")
	m.RecordWorkflowCompletion("tpl-1")

	if v := testutil.ToFloat64(m.WorkflowStartsTotal.WithLabelValues("tpl-1")); v != 2 {
		t.Errorf("starts = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.WorkflowActionsTotal.WithLabelValues("submit")); v != 2 {
		t.Errorf("submit actions = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.WorkflowCompletionsTotal.WithLabelValues("tpl-1")); v != 1 {
		t.Errorf("completions = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.WorkflowActiveInstances.WithLabelValues("tpl-1")); v != 1 {
		t.Errorf("active = %v, want 1", v)
	}
}

func TestRecordEscalations(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordEscalationCreated(1)
	m.RecordEscalationCreated(3)
	m.RecordEscalationCreated(3)
	m.RecordEscalationResolved()

	if v := testutil.ToFloat64(m.EscalationsCreatedTotal.WithLabelValues("3")); v != 2 {
		t.Errorf("tier 3 = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.EscalationsResolvedTotal); v != 1 {
		t.Errorf("resolved = %v, want 1", v)
	}
}

func TestRecordSigning(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordSigningEvent("signed")
	m.RecordSigningEvent("signed")
	m.RecordTokenValidationFailure("INVALID_TOKEN")

	if v := testutil.ToFloat64(m.SigningEventsTotal.WithLabelValues("signed")); v != 2 {
		t.Errorf("signed = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.TokenValidationFailuresTotal.WithLabelValues("INVALID_TOKEN")); v != 1 {
		t.Errorf("invalid token = %v, want 1", v)
	}
}

func TestRecordJobRun(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordJobRun("session_expiry", "success", 20*time.Millisecond)
	m.RecordJobRun("session_expiry", "error", 5*time.Millisecond)
	m.RecordJobRun("session_expiry", "skipped", 0)

	if v := testutil.ToFloat64(m.JobRunsTotal.WithLabelValues("session_expiry", "error")); v != 1 {
		t.Errorf("error runs = %v, want 1", v)
	}
	if count := testutil.CollectAndCount(m.JobDuration); count == 0 {
		t.Error("expected job duration histogram to have observations")
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Build a chi router so route patterns are captured.
	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/sign/{token}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/sign/4f9c0a7d", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// The token must not become a label value.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/sign/{token}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_nestedRoutes(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/instances/{instanceID}", func(w http.ResponseWriter, r *http.Request) {})
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/instances/abc", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/instances/{instanceID}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/sign/{token}/decline", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})

	req := httptest.NewRequest(http.MethodPost, "/sign/abc/decline", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/sign/{token}/decline", "410"))
	if val != 1 {
		t.Errorf("410 requests = %v, want 1", val)
	}
	if count := testutil.CollectAndCount(m.HTTPResponseSizeBytes); count == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_withoutRouter(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/sign/secret-token", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Without chi the raw path is never used as a label.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "200"))
	if val != 1 {
		t.Errorf("unmatched requests = %v, want 1", val)
	}
}

func TestHandlerFor_servesRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordSigningEvent("completed")

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `covenant_signing_sessions_total{event="completed"} 1`) {
		t.Errorf("body missing signing counter:\n%s", rec.Body.String())
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	// Prometheus handler should return at least go runtime metrics.
	if !strings.Contains(rec.Body.String(), "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHistogramBuckets(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http": httpDurationBuckets,
		"job":  jobDurationBuckets,
		"body": bodySizeBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
