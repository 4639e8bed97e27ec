// Package scheduler runs the periodic background jobs on cron schedules.
// Every run is guarded by a named lease so that replicas sharing a lease
// store never run the same job concurrently.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/covenant/internal/lease"
	"github.com/pitabwire/covenant/internal/observability"
)

// Job run outcomes reported to Metrics.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// DefaultLeaseTTL bounds how long a crashed replica can block a job.
const DefaultLeaseTTL = 5 * time.Minute

// Job is a named unit of periodic work.
type Job struct {
	Name string
	// Spec is a standard five-field cron expression or a descriptor such as
	// "@every 5m".
	Spec string
	Run  func(ctx context.Context) error
}

// Metrics records job runs.
type Metrics interface {
	RecordJobRun(job, status string, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordJobRun(string, string, time.Duration) {}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics sets the job metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLeaseTTL sets how long a run's lease is held before it lapses.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(s *Scheduler) {
		if ttl > 0 {
			s.leaseTTL = ttl
		}
	}
}

// Scheduler runs jobs on their cron schedules.
type Scheduler struct {
	cron     *cron.Cron
	locker   lease.Locker
	logger   *zap.Logger
	metrics  Metrics
	leaseTTL time.Duration
	now      func() time.Time

	// ctx is handed to scheduled runs and cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler that takes leases from locker.
func New(locker lease.Locker, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		locker:   locker,
		logger:   logger.Named("scheduler"),
		metrics:  nopMetrics{},
		leaseTTL: DefaultLeaseTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	cl := cronLogger{logger: s.logger.Sugar()}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Add schedules job. A job with an empty Spec is disabled and skipped.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("scheduler: job needs a name and a run function")
	}
	if job.Spec == "" {
		s.logger.Info("job disabled", zap.String("job", job.Name))
		return nil
	}
	_, err := s.cron.AddFunc(job.Spec, func() {
		_ = s.RunOnce(s.ctx, job)
	})
	if err != nil {
		return fmt.Errorf("schedule job %s (%q): %w", job.Name, job.Spec, err)
	}
	s.logger.Info("job scheduled", zap.String("job", job.Name), zap.String("spec", job.Spec))
	return nil
}

// Start runs the scheduler in the background. Jobs receive a context that
// is cancelled by Stop.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling, cancels running jobs, and waits for them to return
// or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs job now under its lease. A lease held elsewhere is not an
// error: the run is skipped and counted as such.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) (err error) {
	ctx, span := observability.StartJobSpan(ctx, job.Name)
	defer func() { observability.EndSpanWithError(span, err) }()

	start := s.now()
	l, err := s.locker.Acquire(ctx, job.Name, s.leaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		s.logger.Debug("job skipped, lease held elsewhere", zap.String("job", job.Name))
		s.metrics.RecordJobRun(job.Name, StatusSkipped, 0)
		span.SetAttributes(attribute.Bool("covenant.job.skipped", true))
		return nil
	}
	if err != nil {
		s.logger.Error("job lease failed", zap.String("job", job.Name), zap.Error(err))
		s.metrics.RecordJobRun(job.Name, StatusFailed, 0)
		return fmt.Errorf("acquire lease for %s: %w", job.Name, err)
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("job lease release failed", zap.String("job", job.Name), zap.Error(err))
		}
	}()

	err = job.Run(ctx)
	elapsed := s.now().Sub(start)
	if err != nil {
		s.logger.Error("job failed",
			zap.String("job", job.Name),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		s.metrics.RecordJobRun(job.Name, StatusFailed, elapsed)
		return err
	}
	s.logger.Debug("job finished", zap.String("job", job.Name), zap.Duration("duration", elapsed))
	s.metrics.RecordJobRun(job.Name, StatusSucceeded, elapsed)
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
