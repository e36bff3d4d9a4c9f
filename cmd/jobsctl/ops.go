package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"observatory-jobs/core/bootstrap"
	"observatory-jobs/core/models"
	"observatory-jobs/core/repository"
	redispub "observatory-jobs/providers/redis"

	"github.com/spf13/cobra"
)

type migrator interface {
	Migrate(ctx context.Context) error
}

func MigrateCmd(app *bootstrap.App) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the jobs table, its indexes and the change trigger",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, ok := app.Store.(migrator)
			if !ok {
				return fmt.Errorf("the %s backend has nothing to migrate", app.Config.StoreBackend)
			}
			if err := m.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migration complete.")
			return nil
		},
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func NotifyCmd(app *bootstrap.App) *cobra.Command {
	return &cobra.Command{
		Use:   "notify",
		Short: "Run the change notifier until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			app.Logger.Info(ctx, "notifier running, press Ctrl+C to stop", "backend", app.Config.StoreBackend)
			if _, ok := app.Feed.(*repository.MemoryStore); ok {
				app.Logger.Warn(ctx, "memory backend only sees changes made by this process")
			}
			return app.Notifier.Run(ctx, app.Feed)
		},
	}
}

func WatchCmd(app *bootstrap.App) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [site]",
		Short: "Print job envelopes broadcast on Redis",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Redis == nil {
				return errors.New("watch needs REDIS_ADDR")
			}
			site := ""
			if len(args) == 1 {
				site = args[0]
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			out := cmd.OutOrStdout()
			err := redispub.Watch(ctx, app.Redis, app.Config.RedisChannelPrefix, site, func(env models.Envelope) {
				printJSON(out, env)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
