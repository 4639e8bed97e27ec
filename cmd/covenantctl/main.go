// Package main is the Covenant operator CLI. It applies the database schema
// and runs the periodic jobs once, outside the server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/covenant/internal/app"
	"github.com/pitabwire/covenant/internal/config"
	"github.com/pitabwire/covenant/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "covenantctl",
		Usage: "Operate a Covenant deployment",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to configuration file",
				Value:   "config.yaml",
				Sources: cli.EnvVars("COVENANT_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			newMigrateCommand(),
			newEscalationsCommand(),
			newSigningCommand(),
		},
	}
}

func newMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the database schema",
		Action: func(ctx context.Context, command *cli.Command) error {
			return withApp(ctx, command, func(ctx context.Context, a *app.App) error {
				if a.PgStore == nil {
					return fmt.Errorf("migrate requires the postgres store driver, got %q", a.Config.Store.Driver)
				}
				if err := a.PgStore.Migrate(ctx); err != nil {
					return err
				}
				a.Logger.Info("schema applied")
				return nil
			})
		},
	}
}

func newEscalationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "escalations",
		Usage: "Escalation maintenance",
		Commands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Scan active workflows for SLA breaches once",
				Action: func(ctx context.Context, command *cli.Command) error {
					return runJobs(ctx, command, app.JobEscalationCheck)
				},
			},
		},
	}
}

func newSigningCommand() *cli.Command {
	return &cli.Command{
		Name:  "signing",
		Usage: "Signing session maintenance",
		Commands: []*cli.Command{
			{
				Name:  "sweep",
				Usage: "Expire overdue sessions and remind pending signers once",
				Action: func(ctx context.Context, command *cli.Command) error {
					return runJobs(ctx, command, app.JobSessionExpiry, app.JobSigningReminder)
				},
			},
		},
	}
}

// runJobs runs the named jobs once under their leases, so that a manual run
// never overlaps with a server replica running the same job.
func runJobs(ctx context.Context, command *cli.Command, names ...string) error {
	return withApp(ctx, command, func(ctx context.Context, a *app.App) error {
		return a.RunJobs(ctx, names...)
	})
}

func withApp(ctx context.Context, command *cli.Command, fn func(context.Context, *app.App) error) error {
	cfg, err := config.Load(command.String("config"))
	if err != nil {
		return err
	}
	// A one-shot run exits right after its jobs, so every publish waits
	// for the dispatcher to take the notification.
	cfg.Notifications.AwaitDelivery = true

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	a, err := app.New(ctx, cfg, logger, nil)
	if err != nil {
		logger.Error("initialization failed", zap.Error(err))
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
