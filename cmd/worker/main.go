package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felixgeelhaar/automata/internal/app"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/automata/pkg/config"
	"github.com/felixgeelhaar/automata/pkg/observability"
)

// The worker relays schedule lifecycle events from the outbox to RabbitMQ.
// Run it next to 'automata serve' with OUTBOX_PROCESSOR_ENABLED=false when
// relaying should scale separately from scheduling.
func main() {
	cfg, err := config.Load()
	if err != nil {
		observability.NewLogger(observability.DefaultLogConfig()).Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(observability.LogConfigFor(cfg.AppEnv, cfg.LogLevel, cfg.LogFormat, cfg.Version))
	logger.Info("starting automata worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := app.OpenDatabase(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	logger.Info("connected to database", "driver", conn.Driver())

	health := observability.NewHealthRegistry(2 * time.Second)
	health.Register("database", observability.DatabaseHealthChecker(conn.Ping))

	var publisher eventbus.Publisher
	rabbitPublisher, err := eventbus.NewRabbitMQPublisher(eventbus.RabbitMQPublisherConfig{
		URL:    cfg.RabbitMQURL,
		AppID:  "automata-worker",
		Logger: logger,
	})
	if err != nil {
		if !cfg.IsDevelopment() {
			logger.Error("failed to connect to RabbitMQ", "error", err)
			os.Exit(1)
		}
		logger.Warn("RabbitMQ not available, using noop publisher", "error", err)
		publisher = eventbus.NewNoopPublisher(logger)
	} else {
		publisher = rabbitPublisher
		defer rabbitPublisher.Close()
		health.Register("rabbitmq", observability.RabbitMQHealthChecker(rabbitPublisher.Check))
	}

	metrics := observability.NewPrometheusMetrics("automata_worker")
	processorConfig := outbox.ProcessorConfig{
		PollInterval:    cfg.OutboxPollInterval,
		BatchSize:       cfg.OutboxBatchSize,
		MaxRetries:      cfg.OutboxMaxRetries,
		Retention:       cfg.OutboxRetention,
		CleanupInterval: cfg.OutboxCleanupInterval,
	}
	processor := outbox.NewProcessor(outbox.NewSQLRepository(conn), publisher, processorConfig, logger).WithMetrics(metrics)

	logger.Info("starting outbox processor",
		"poll_interval", processorConfig.PollInterval,
		"batch_size", processorConfig.BatchSize,
		"max_retries", processorConfig.MaxRetries,
	)
	if err := processor.Start(ctx); err != nil {
		logger.Error("failed to start outbox processor", "error", err)
		os.Exit(1)
	}
	defer processor.Stop()

	health.Register("outbox", func(context.Context) observability.HealthCheckResult {
		stats := processor.GetStats()
		if !stats.IsRunning {
			return observability.HealthCheckResult{Status: observability.HealthStatusUnhealthy, Message: "processor stopped"}
		}
		if stats.LastErrorAt != nil && (stats.LastProcessedAt == nil || stats.LastErrorAt.After(*stats.LastProcessedAt)) {
			return observability.HealthCheckResult{Status: observability.HealthStatusDegraded, Message: stats.LastError}
		}
		return observability.HealthCheckResult{Status: observability.HealthStatusHealthy}
	})

	if cfg.HealthAddr != "" {
		healthSrv := &http.Server{
			Addr:              cfg.HealthAddr,
			Handler:           observability.NewServeMux(health, metrics),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("health server starting", "addr", cfg.HealthAddr)
			if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := healthSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("health server shutdown error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	stats := processor.GetStats()
	logger.Info("shutting down worker",
		"published", stats.PublishedCount,
		"failed", stats.FailedCount,
		"dead", stats.DeadCount,
	)
}
