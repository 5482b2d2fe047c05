package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/config"
	"github.com/JakeFAU/rank-tracker/internal/logging"
	"github.com/JakeFAU/rank-tracker/internal/rank"
	"github.com/JakeFAU/rank-tracker/internal/reaper"
	"github.com/JakeFAU/rank-tracker/internal/scheduler"
	"github.com/JakeFAU/rank-tracker/internal/server"
)

// application is what the subcommands need from the built server.
type application interface {
	Run(ctx context.Context) error
	Close(ctx context.Context)
	Reaper() *reaper.Reaper
	Refresher() *scheduler.Refresher
}

// runtime carries the loaded configuration and logger to subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

type runtimeKey struct{}

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (application, error) {
	return server.Build(ctx, cfg, logger)
}

// sweeper and refresher narrow the application for the one-shot commands.
type sweeper interface {
	Sweep(ctx context.Context) (reaper.Result, error)
}

type refresher interface {
	Refresh(ctx context.Context, freq rank.RefreshFrequency) (scheduler.RefreshResult, error)
}

func newRootCmd() *cobra.Command {
	var cfgFile, envFile string
	cmd := &cobra.Command{
		Use:           "rankengine",
		Short:         "Keyword position check job engine",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, runtime{cfg: cfg, logger: logger}))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration")

	cmd.AddCommand(newServeCmd(), newReapCmd(), newRefreshCmd(), newMigrateCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (runtime, error) {
	rt, ok := ctx.Value(runtimeKey{}).(runtime)
	if !ok {
		return runtime{}, errors.New("configuration not loaded")
	}
	return rt, nil
}

// withApp builds the application, runs fn, and closes it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app application) error) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	app, err := newApp(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), rt.cfg.Server.ShutdownTimeout)
		defer cancel()
		app.Close(ctx)
	}()
	return fn(cmd.Context(), app)
}
