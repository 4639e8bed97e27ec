package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/pitabwire/covenant/internal/lease"
)

type runMetrics struct {
	mu   sync.Mutex
	runs []string
}

func (m *runMetrics) RecordJobRun(job, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, job+"/"+status)
}

func (m *runMetrics) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.runs...)
}

func TestRunOnce(t *testing.T) {
	m := &runMetrics{}
	s := New(lease.NewMemoryLocker(), zap.NewNop(), WithMetrics(m))
	ctx := context.Background()

	calls := 0
	ok := Job{Name: "session_expiry", Run: func(context.Context) error { calls++; return nil }}
	require.NoError(t, s.RunOnce(ctx, ok))
	require.NoError(t, s.RunOnce(ctx, ok), "the lease is released after each run")
	assert.Equal(t, 2, calls)

	failing := Job{Name: "signing_reminder", Run: func(context.Context) error { return assert.AnError }}
	assert.ErrorIs(t, s.RunOnce(ctx, failing), assert.AnError)

	assert.Equal(t, []string{
		"session_expiry/succeeded",
		"session_expiry/succeeded",
		"signing_reminder/failed",
	}, m.snapshot())
}

func TestRunOnce_skipsWhenLeaseHeld(t *testing.T) {
	locker := lease.NewMemoryLocker()
	held, err := locker.Acquire(context.Background(), "escalation_check", time.Minute)
	require.NoError(t, err)
	defer held.Release(context.Background())

	m := &runMetrics{}
	s := New(locker, zap.NewNop(), WithMetrics(m))
	ran := false
	err = s.RunOnce(context.Background(), Job{Name: "escalation_check", Run: func(context.Context) error {
		ran = true
		return nil
	}})
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, []string{"escalation_check/skipped"}, m.snapshot())
}

func TestAdd(t *testing.T) {
	s := New(lease.NewMemoryLocker(), zap.NewNop())
	noop := func(context.Context) error { return nil }

	assert.NoError(t, s.Add(Job{Name: "disabled", Run: noop}))
	assert.NoError(t, s.Add(Job{Name: "hourly", Spec: "0 * * * *", Run: noop}))
	assert.NoError(t, s.Add(Job{Name: "every", Spec: "@every 5m", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "bad", Spec: "every tuesday", Run: noop}))
	assert.Error(t, s.Add(Job{Spec: "@every 1m", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "norun", Spec: "@every 1m"}))
}

func TestScheduler_runsAndStops(t *testing.T) {
	var runs atomic.Int32
	started := make(chan struct{}, 1)
	s := New(lease.NewMemoryLocker(), zap.NewNop())
	require.NoError(t, s.Add(Job{Name: "tick", Spec: "@every 1s", Run: func(ctx context.Context) error {
		runs.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}}))

	s.Start()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, int32(1), runs.Load(), "overlapping runs are skipped")
}

func TestRunOnce_recordsJobSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	s := New(lease.NewMemoryLocker(), zap.NewNop())
	failing := Job{Name: "signing-expiry", Run: func(context.Context) error { return assert.AnError }}
	require.Error(t, s.RunOnce(context.Background(), failing))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "job.signing-expiry", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}
