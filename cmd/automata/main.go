package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/felixgeelhaar/automata/adapter/cli"
	"github.com/felixgeelhaar/automata/adapter/cli/schedule"
	"github.com/felixgeelhaar/automata/internal/app"
	"github.com/felixgeelhaar/automata/pkg/config"
	"github.com/felixgeelhaar/automata/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		observability.NewLogger(observability.DefaultLogConfig()).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfigFor(cfg.AppEnv, cfg.LogLevel, cfg.LogFormat, cfg.Version))
	cli.SetLogger(logger)
	cli.AddCommand(schedule.Cmd)

	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		if !cfg.IsDevelopment() {
			logger.Error("failed to initialize container", "error", err)
			os.Exit(1)
		}
		// version and help still work without a store
		logger.Warn("failed to initialize container, running in limited mode", "error", err)
	} else {
		cli.SetApp(cli.NewApp(container.AutomationService, container))
	}

	runErr := cli.Execute(ctx)
	if container != nil {
		if err := container.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("container close failed", "error", err)
		}
	}
	if runErr != nil {
		os.Exit(1)
	}
}
