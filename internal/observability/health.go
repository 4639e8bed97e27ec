package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

var startedAt = time.Now()

// Check statuses reported by the readiness endpoint.
const (
	CheckOK    = "ok"
	CheckError = "error"
)

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ReadinessResponse is the body of GET /readyz.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by every dependency the service cannot work
// without: the record store, the document bucket and the shared Redis.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks lists the checks behind /readyz. Store is mandatory; a nil
// Redis or Documents checker is skipped.
type ReadinessChecks struct {
	Store     HealthChecker
	Redis     HealthChecker
	Documents HealthChecker
}

type depCheck struct {
	name    string
	checker HealthChecker
}

func (c ReadinessChecks) checks() []depCheck {
	checks := []depCheck{{name: "store", checker: c.Store}}
	if c.Redis != nil {
		checks = append(checks, depCheck{name: "redis", checker: c.Redis})
	}
	if c.Documents != nil {
		checks = append(checks, depCheck{name: "documents", checker: c.Documents})
	}
	return checks
}

// Run checks every dependency concurrently, each bounded by checkTimeout.
func (c ReadinessChecks) Run(ctx context.Context) ReadinessResponse {
	checks := c.checks()
	results := make([]CheckResult, len(checks))

	var wg sync.WaitGroup
	for i, p := range checks {
		if p.checker == nil {
			results[i] = CheckResult{Status: CheckError, Error: p.name + " not configured"}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = runCheck(ctx, p.checker)
		}()
	}
	wg.Wait()

	resp := ReadinessResponse{Status: "ready", Checks: make(map[string]CheckResult, len(checks))}
	for i, p := range checks {
		resp.Checks[p.name] = results[i]
		if results[i].Status != CheckOK {
			resp.Status = "not_ready"
		}
	}
	return resp
}

const checkTimeout = 2 * time.Second

// HandleHealth serves the liveness endpoint. It never touches a dependency.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:        "ok",
			Version:       Version,
			Commit:        Commit,
			UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		})
	}
}

// HandleReady serves the readiness endpoint: 200 when every dependency answers,
// 503 otherwise.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := checks.Run(r.Context())
		status := http.StatusOK
		if resp.Status != "ready" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	result := CheckResult{Status: CheckOK, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		result.Status = CheckError
		result.Error = err.Error()
	}
	return result
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
