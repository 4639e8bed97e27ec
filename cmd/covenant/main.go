// Package main is the entry point for the Covenant server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/covenant/internal/app"
	"github.com/pitabwire/covenant/internal/config"
	"github.com/pitabwire/covenant/internal/observability"
	"github.com/pitabwire/covenant/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}
	secret := cfg.Identity.Secret()
	if secret == "" {
		fmt.Fprintf(os.Stderr, "configuration error: %s environment variable not set\n", cfg.Identity.SecretEnv)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "covenant", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	a, err := app.New(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("initialization failed", zap.Error(err))
		return 1
	}
	defer a.Close()

	if a.PgStore != nil {
		if err := a.PgStore.Migrate(ctx); err != nil {
			logger.Error("schema migration failed", zap.Error(err))
			return 1
		}
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, []byte(secret)),
		CapabilityResolver: a.Capabilities,
		Workflow:           a.Workflow,
		Escalation:         a.Escalation,
		Signing:            a.Signing,
		Ledger:             a.Ledger,
		Metrics:            metrics,
		Idempotency:        a.Idempotency,
		Readiness:          a.Readiness(),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background tasks: notification delivery and periodic jobs.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	stopDelivery, err := a.StartDelivery(bgCtx)
	if err != nil {
		logger.Error("notification delivery failed to start", zap.Error(err))
		return 1
	}

	sched, err := a.Scheduler(metrics)
	if err != nil {
		logger.Error("job scheduling failed", zap.Error(err))
		return 1
	}
	if cfg.Jobs.Enabled {
		sched.Start()
	} else {
		logger.Info("background jobs disabled")
	}

	// SIGHUP reloads the role policy without a restart.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-bgCtx.Done():
				return
			case <-hup:
				if err := a.Capabilities.Reload(); err != nil {
					logger.Warn("capability policy reload failed", zap.Error(err))
					continue
				}
				logger.Info("capability policy reloaded")
			}
		}
	}()

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			return 1
		}
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Let running jobs finish before the stores close.
	if cfg.Jobs.Enabled {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Error("scheduler shutdown error", zap.Error(err))
		}
	}

	if err := stopDelivery(shutdownCtx); err != nil {
		logger.Warn("notification delivery shutdown", zap.Error(err))
	}
	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}
