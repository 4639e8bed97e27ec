// Package app wires the engines, stores and background jobs from a loaded
// configuration. It is shared by the server and the operator CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/covenant/internal/audit"
	"github.com/pitabwire/covenant/internal/capability"
	"github.com/pitabwire/covenant/internal/config"
	"github.com/pitabwire/covenant/internal/document"
	"github.com/pitabwire/covenant/internal/escalation"
	"github.com/pitabwire/covenant/internal/idempotency"
	"github.com/pitabwire/covenant/internal/lease"
	"github.com/pitabwire/covenant/internal/notify"
	"github.com/pitabwire/covenant/internal/observability"
	"github.com/pitabwire/covenant/internal/scheduler"
	"github.com/pitabwire/covenant/internal/signing"
	"github.com/pitabwire/covenant/internal/store"
	"github.com/pitabwire/covenant/internal/workflow"
)

// Job names, also used as lease names.
const (
	JobEscalationCheck = "escalation-check"
	JobSessionExpiry   = "signing-expiry"
	JobSigningReminder = "signing-reminders"
)

// App holds the wired components.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	Store       store.Store
	PgStore     *store.PgStore // nil for the memory driver
	Documents   *document.BlobStore
	Redis       *redis.Client // nil when Redis is not configured
	Locker      lease.Locker
	Idempotency idempotency.Store

	Bus        *gochannel.GoChannel
	Notifier   *notify.Publisher
	Dispatcher *notify.Dispatcher

	Capabilities *capability.Resolver
	Workflow     *workflow.Engine
	Escalation   *escalation.Monitor
	Signing      *signing.Engine
	Ledger       *audit.Ledger

	closers []func() error
}

// New builds every component described by cfg. metrics may be nil. The
// returned App must be closed.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	a.Documents, err = document.OpenBlobStore(ctx, cfg.Documents.BucketURL)
	if err != nil {
		return nil, fmt.Errorf("documents: %w", err)
	}
	a.closers = append(a.closers, a.Documents.Close)

	if addr := cfg.Redis.Addr(); addr != "" {
		a.Redis = redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Redis.DB})
		a.closers = append(a.closers, a.Redis.Close)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: ping: %w", err)
		}
		a.Locker = lease.NewRedisLocker(a.Redis)
		a.Idempotency = idempotency.NewRedisStore(a.Redis)
		logger.Info("using redis for leases and idempotency keys")
	} else {
		a.Locker = lease.NewMemoryLocker()
		a.Idempotency = idempotency.NewMemoryStore()
		logger.Info("using in-memory leases and idempotency keys")
	}
	if !cfg.Idempotency.Enabled {
		a.Idempotency = nil
	}

	a.Capabilities, err = buildCapabilityResolver(cfg.Capability, logger)
	if err != nil {
		return nil, err
	}

	a.Bus = notify.NewGoChannel(cfg.Notifications.Buffer, cfg.Notifications.AwaitDelivery, logger)
	a.closers = append(a.closers, a.Bus.Close)
	pubCfg := notify.PublisherConfig{
		Topic:      cfg.Notifications.Topic,
		MaxRetries: uint64(max(cfg.Notifications.MaxRetries, 0)),
		RetryBase:  cfg.Notifications.RetryBase,
	}
	if metrics != nil {
		pubCfg.Metrics = metrics
	}
	a.Notifier = notify.NewPublisher(a.Bus, pubCfg, logger)
	a.Dispatcher = notify.NewDispatcher(a.Bus, cfg.Notifications.Topic, notify.LogSender{Logger: logger}, logger)

	wfOpts := []workflow.Option{workflow.WithNotifier(a.Notifier)}
	escOpts := []escalation.Option{
		escalation.WithNotifier(a.Notifier),
		escalation.WithBatchSize(cfg.Escalation.BatchSize),
	}
	signOpts := []signing.Option{
		signing.WithNotifier(a.Notifier),
		signing.WithSessionTTL(cfg.Signing.SessionTTL),
		signing.WithTokenTTL(cfg.Signing.TokenTTL),
		signing.WithSigningURL(cfg.Signing.PublicBaseURL),
	}
	if metrics != nil {
		wfOpts = append(wfOpts, workflow.WithMetrics(metrics))
		escOpts = append(escOpts, escalation.WithMetrics(metrics))
		signOpts = append(signOpts, signing.WithMetrics(metrics))
	}
	a.Workflow = workflow.NewEngine(a.Store, logger, wfOpts...)
	a.Escalation = escalation.NewMonitor(a.Store, logger, escOpts...)
	a.Signing = signing.NewEngine(a.Store, a.Documents, logger, signOpts...)
	a.Ledger = audit.NewLedger(a.Store)
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	cfg := a.Config.Store
	switch cfg.Driver {
	case "memory":
		a.Logger.Warn("using in-memory store; data is lost on restart")
		a.Store = store.NewMemoryStore()
		return nil
	case "postgres":
		dsn := cfg.DSN()
		if dsn == "" {
			return fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("store: connect: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("store: ping: %w", err)
		}
		a.PgStore = store.NewPgStore(pool)
		a.Store = a.PgStore
		return nil
	default:
		return fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildCapabilityResolver loads the static role policy. Without a policy
// file only the "admin" role is granted, with every capability.
func buildCapabilityResolver(cfg config.CapabilityConfig, logger *zap.Logger) (*capability.Resolver, error) {
	if cfg.StaticPolicyFile == "" {
		logger.Warn("no capability policy file configured; granting all capabilities to the admin role")
		return capability.NewResolver(capability.NewStaticPolicyFromMap(map[string][]string{
			"admin": {"*"},
		}), cfg.CacheTTL), nil
	}
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.StaticPolicyFile)
	if err != nil {
		return nil, fmt.Errorf("static policy: %w", err)
	}
	return capability.NewResolver(evaluator, cfg.CacheTTL), nil
}

// StartDelivery subscribes the dispatcher and delivers notifications in the
// background. It must return before any engine publishes, since the
// in-process bus drops messages nobody is subscribed to. stop ends delivery
// and waits for the dispatcher until ctx is done.
func (a *App) StartDelivery(ctx context.Context) (stop func(ctx context.Context) error, err error) {
	runCtx, cancel := context.WithCancel(ctx)
	if err := a.Dispatcher.Subscribe(runCtx); err != nil {
		cancel()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.Dispatcher.Run(runCtx); err != nil {
			a.Logger.Error("notification dispatcher stopped", zap.Error(err))
		}
	}()

	return func(ctx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("notification dispatcher did not stop: %w", ctx.Err())
		}
	}, nil
}

// Readiness returns the dependency checks for the readiness endpoint.
func (a *App) Readiness() observability.ReadinessChecks {
	checks := observability.ReadinessChecks{
		Store:     a.Store,
		Documents: a.Documents,
	}
	if a.Redis != nil {
		checks.Redis = redisHealth{a.Redis}
	}
	return checks
}

type redisHealth struct{ client *redis.Client }

func (r redisHealth) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Jobs returns the periodic jobs. Specs come from configuration; an empty
// spec leaves the job unscheduled.
func (a *App) Jobs() []scheduler.Job {
	jobs := a.Config.Jobs
	return []scheduler.Job{
		{
			Name: JobEscalationCheck,
			Spec: jobs.EscalationCheck,
			Run: func(ctx context.Context) error {
				n, err := a.Escalation.CheckBreaches(ctx)
				if n > 0 {
					a.Logger.Info("escalations raised", zap.Int("count", n))
				}
				return err
			},
		},
		{
			Name: JobSessionExpiry,
			Spec: jobs.SessionExpiry,
			Run: func(ctx context.Context) error {
				n, err := a.Signing.ExpireSessions(ctx)
				if n > 0 {
					a.Logger.Info("signing sessions expired", zap.Int("count", n))
				}
				return err
			},
		},
		{
			Name: JobSigningReminder,
			Spec: jobs.SigningReminder,
			Run: func(ctx context.Context) error {
				n, err := a.Signing.RemindPending(ctx, a.Config.Signing.ReminderAge)
				if n > 0 {
					a.Logger.Info("signing reminders sent", zap.Int("count", n))
				}
				return err
			},
		},
	}
}

// Job returns the job with the given name.
func (a *App) Job(name string) (scheduler.Job, bool) {
	for _, j := range a.Jobs() {
		if j.Name == name {
			return j, true
		}
	}
	return scheduler.Job{}, false
}

// Scheduler returns a scheduler with every configured job added. It is not
// started.
func (a *App) Scheduler(metrics *observability.Metrics) (*scheduler.Scheduler, error) {
	opts := []scheduler.Option{scheduler.WithLeaseTTL(a.Config.Jobs.LeaseTTL)}
	if metrics != nil {
		opts = append(opts, scheduler.WithMetrics(metrics))
	}
	s := scheduler.New(a.Locker, a.Logger, opts...)
	for _, j := range a.Jobs() {
		if err := s.Add(j); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// RunJobs runs the named jobs once, in order, with notification delivery
// running for their whole duration. Notifications published by the jobs are
// handed to the dispatcher before RunJobs returns when the bus awaits
// delivery.
func (a *App) RunJobs(ctx context.Context, names ...string) (err error) {
	sched, err := a.Scheduler(nil)
	if err != nil {
		return err
	}
	stop, err := a.StartDelivery(ctx)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryDrainTimeout)
		defer cancel()
		if stopErr := stop(stopCtx); stopErr != nil && err == nil {
			err = stopErr
		}
	}()

	for _, name := range names {
		job, ok := a.Job(name)
		if !ok {
			return fmt.Errorf("unknown job %q", name)
		}
		if err := sched.RunOnce(ctx, job); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

const deliveryDrainTimeout = 10 * time.Second

// Close releases every resource opened by New, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
