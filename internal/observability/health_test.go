package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	err   error
	delay time.Duration
}

func (f fakeChecker) HealthCheck(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func TestHandleHealth(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version, Commit = "1.2.3", "abc1234"
	t.Cleanup(func() { Version, Commit = origVersion, origCommit })

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "abc1234", resp.Commit)
	assert.GreaterOrEqual(t, resp.UptimeSeconds, int64(0))
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var resp ReadinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec.Code, resp
}

func TestHandleReady(t *testing.T) {
	tests := []struct {
		name     string
		checks   ReadinessChecks
		code     int
		expected map[string]string
	}{
		{
			name:     "store only",
			checks:   ReadinessChecks{Store: fakeChecker{}},
			code:     http.StatusOK,
			expected: map[string]string{"store": CheckOK},
		},
		{
			name:     "all healthy",
			checks:   ReadinessChecks{Store: fakeChecker{}, Redis: fakeChecker{}, Documents: fakeChecker{}},
			code:     http.StatusOK,
			expected: map[string]string{"store": CheckOK, "redis": CheckOK, "documents": CheckOK},
		},
		{
			name:     "store missing",
			checks:   ReadinessChecks{},
			code:     http.StatusServiceUnavailable,
			expected: map[string]string{"store": CheckError},
		},
		{
			name:     "redis down",
			checks:   ReadinessChecks{Store: fakeChecker{}, Redis: fakeChecker{err: errors.New("dial tcp: refused")}},
			code:     http.StatusServiceUnavailable,
			expected: map[string]string{"store": CheckOK, "redis": CheckError},
		},
		{
			name:     "bucket down",
			checks:   ReadinessChecks{Store: fakeChecker{}, Documents: fakeChecker{err: errors.New("bucket not accessible")}},
			code:     http.StatusServiceUnavailable,
			expected: map[string]string{"store": CheckOK, "documents": CheckError},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := serveReady(t, tt.checks)
			assert.Equal(t, tt.code, code)
			if tt.code == http.StatusOK {
				assert.Equal(t, "ready", resp.Status)
			} else {
				assert.Equal(t, "not_ready", resp.Status)
			}
			require.Len(t, resp.Checks, len(tt.expected))
			for name, status := range tt.expected {
				assert.Equal(t, status, resp.Checks[name].Status, name)
			}
		})
	}
}

func TestReadinessChecks_reportsErrors(t *testing.T) {
	resp := ReadinessChecks{}.Run(context.Background())
	assert.Equal(t, "store not configured", resp.Checks["store"].Error)

	resp = ReadinessChecks{
		Store:     fakeChecker{},
		Documents: fakeChecker{err: errors.New("bucket not accessible")},
	}.Run(context.Background())
	assert.Empty(t, resp.Checks["store"].Error)
	assert.Equal(t, "bucket not accessible", resp.Checks["documents"].Error)
}

func TestReadinessChecks_slowCheckTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the check timeout")
	}
	resp := ReadinessChecks{Store: fakeChecker{delay: checkTimeout + time.Second}}.Run(context.Background())
	assert.Equal(t, CheckError, resp.Checks["store"].Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), resp.Checks["store"].Error)
}
