package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	automationApp "github.com/felixgeelhaar/automata/internal/automation/application"
	"github.com/felixgeelhaar/automata/internal/automation/application/services"
	"github.com/felixgeelhaar/automata/internal/automation/domain"
	"github.com/felixgeelhaar/automata/internal/automation/infrastructure/locks"
	"github.com/felixgeelhaar/automata/internal/automation/infrastructure/messaging"
	"github.com/felixgeelhaar/automata/internal/automation/infrastructure/persistence"
	sharedApplication "github.com/felixgeelhaar/automata/internal/shared/application"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/migrations"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/automata/pkg/config"
	"github.com/felixgeelhaar/automata/pkg/observability"
)

const (
	metricsNamespace   = "automata"
	healthCheckTimeout = 2 * time.Second
	shutdownTimeout    = 10 * time.Second
)

// Container holds all application dependencies.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	// Observability
	Metrics    observability.Metrics
	Prometheus *observability.PrometheusMetrics
	Health     *observability.HealthRegistry

	// Database
	DBConn   database.Connection
	DBDriver database.Driver

	// Redis
	RedisClient *redis.Client

	// Repositories
	ScheduleRepo *persistence.ScheduleRepository
	OutboxRepo   outbox.Repository
	UnitOfWork   sharedApplication.UnitOfWork

	// Automation
	Locker            locks.ScheduleLocker
	Executor          *services.GuardedExecutor
	Coordinator       *services.Coordinator
	Sweeper           *services.Sweeper
	AutomationService *automationApp.Service

	// Event bus. Without RABBITMQ_URL runtime and lifecycle events share the
	// in-process bus; otherwise Run connects to the broker.
	InProcessEventBus *eventbus.InProcessEventBus
	RuntimeConsumer   *messaging.RuntimeEventConsumer
	OutboxProcessor   *outbox.Processor

	closers []func() error
	closed  bool
}

// Option customizes a container.
type Option func(*options)

type options struct {
	executor services.Executor
	clock    func() time.Time
	metrics  observability.Metrics
}

// WithExecutor replaces the default logging executor.
func WithExecutor(e services.Executor) Option {
	return func(o *options) { o.executor = e }
}

// WithClock replaces the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithMetrics replaces the Prometheus sink.
func WithMetrics(m observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// NewContainer creates and wires all dependencies. Background services are
// not started; call Start for one-shot use or Run to serve.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Container, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Container{
		Config: cfg,
		Logger: logger,
		Health: observability.NewHealthRegistry(healthCheckTimeout),
	}
	if o.metrics != nil {
		c.Metrics = o.metrics
	} else {
		c.Prometheus = observability.NewPrometheusMetrics(metricsNamespace)
		c.Metrics = c.Prometheus
	}

	conn, err := OpenDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.DBConn = conn
	c.DBDriver = conn.Driver()
	c.closers = append(c.closers, conn.Close)
	c.Health.Register("database", observability.DatabaseHealthChecker(conn.Ping))
	logger.Info("connected to database", "driver", c.DBDriver)

	factory, err := NewRepositoryFactory(conn)
	if err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	c.ScheduleRepo = factory.ScheduleRepository()
	c.OutboxRepo = factory.OutboxRepository()
	c.UnitOfWork = factory.UnitOfWork()

	coordinatorCfg := coordinatorConfig(cfg)
	if err := c.initLocker(ctx, &coordinatorCfg); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}

	executor := o.executor
	if executor == nil {
		executor = services.LogExecutor{Logger: logger}
	}
	c.Executor = services.NewGuardedExecutor(executor, services.GuardConfig{
		Timeout:          cfg.ExecutorTimeout,
		FailureThreshold: cfg.BreakerThreshold,
		OpenTimeout:      cfg.BreakerOpenTimeout,
	}, logger)

	c.Coordinator, err = services.NewCoordinator(services.Deps{
		Repo:     c.ScheduleRepo,
		UoW:      c.UnitOfWork,
		Outbox:   c.OutboxRepo,
		Executor: c.Executor,
		Locker:   c.Locker,
		Logger:   logger,
		Metrics:  c.Metrics,
		Clock:    o.clock,
	}, coordinatorCfg)
	if err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	c.Health.Register("automation", func(context.Context) observability.HealthCheckResult {
		if c.Coordinator.Disabled() {
			return observability.HealthCheckResult{
				Status:  observability.HealthStatusUnhealthy,
				Message: domain.ErrAutomationDisabled.Error(),
			}
		}
		return observability.HealthCheckResult{Status: observability.HealthStatusHealthy}
	})

	c.Sweeper = services.NewSweeper(c.Coordinator, cfg.SweepSpec, logger, c.Metrics)
	c.AutomationService = automationApp.NewService(c.Coordinator)

	c.RuntimeConsumer = messaging.NewRuntimeEventConsumer(c.Coordinator, logger, c.Metrics)
	if cfg.RabbitMQURL == "" {
		c.InProcessEventBus = eventbus.NewInProcessEventBus(logger)
		c.InProcessEventBus.RegisterConsumer(c.RuntimeConsumer)
		c.closers = append(c.closers, c.InProcessEventBus.Close)
	}

	return c, nil
}

func coordinatorConfig(cfg *config.Config) services.CoordinatorConfig {
	out := services.DefaultCoordinatorConfig()
	out.Evaluation = domain.EvaluationOptions{
		MaxSessionDelta: cfg.MaxSessionDelta,
		MaxDelayDwell:   cfg.MaxDelayDwell,
	}
	out.StorageRetries = cfg.StorageRetries
	out.StorageBackoff = cfg.StorageBackoff
	out.TerminalRetention = cfg.TerminalRetention
	out.SnapshotCacheSize = cfg.SnapshotCacheSize
	return out
}

// initLocker picks the redis locker when REDIS_URL is set. Other processes
// may then write the same schedules, so the snapshot cache is turned off.
func (c *Container) initLocker(ctx context.Context, coordinatorCfg *services.CoordinatorConfig) error {
	if c.Config.RedisURL == "" {
		c.Locker = locks.NewLocalLocker()
		return nil
	}

	opt, err := redis.ParseURL(c.Config.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	c.RedisClient = client
	c.closers = append(c.closers, client.Close)
	c.Health.Register("redis", observability.RedisHealthChecker(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))

	locker, err := locks.NewRedisLocker(client, locks.RedisLockerConfig{Logger: c.Logger})
	if err != nil {
		return err
	}
	c.Locker = locker
	coordinatorCfg.SnapshotCacheSize = 0
	c.Logger.Info("connected to Redis, using distributed schedule locks")
	return nil
}

// Start loads active schedules into the coordinator.
func (c *Container) Start(ctx context.Context) error {
	return c.Coordinator.Start(ctx)
}

// Drain waits for queued schedule work and in-flight executions.
func (c *Container) Drain(ctx context.Context) error {
	return c.Coordinator.Drain(ctx)
}

// Migrate applies pending schema migrations.
func (c *Container) Migrate(ctx context.Context) (int, error) {
	return migrations.Run(ctx, c.DBConn, c.Logger)
}

// Check runs the health registry.
func (c *Container) Check(ctx context.Context) observability.OverallHealth {
	return c.Health.Check(ctx)
}

// PublishRuntimeEvent sends a runtime event to a running server through RabbitMQ.
func (c *Container) PublishRuntimeEvent(ctx context.Context, ev domain.RuntimeEvent) error {
	publisher, err := NewRuntimePublisher(c.Config, c.Logger)
	if err != nil {
		return err
	}
	defer publisher.Close()
	return messaging.Publish(ctx, publisher, ev)
}

// Run starts the coordinator, the sweeper, runtime ingestion, the outbox
// processor and the health server, and blocks until ctx is cancelled or one
// of them fails.
func (c *Container) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	if err := c.Sweeper.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	lifecycle, err := c.initEventBus(gctx, g)
	if err != nil {
		return err
	}

	if c.Config.OutboxProcessorEnabled {
		c.OutboxProcessor = outbox.NewProcessor(c.OutboxRepo, lifecycle, outbox.ProcessorConfig{
			PollInterval:    c.Config.OutboxPollInterval,
			BatchSize:       c.Config.OutboxBatchSize,
			MaxRetries:      c.Config.OutboxMaxRetries,
			Retention:       c.Config.OutboxRetention,
			CleanupInterval: c.Config.OutboxCleanupInterval,
		}, c.Logger).WithMetrics(c.Metrics)
		if err := c.OutboxProcessor.Start(gctx); err != nil {
			return fmt.Errorf("failed to start outbox processor: %w", err)
		}
	}

	if c.Config.HealthAddr != "" {
		server := &http.Server{
			Addr:              c.Config.HealthAddr,
			Handler:           observability.NewServeMux(c.Health, c.Prometheus),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			c.Logger.Info("health server listening", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	c.Logger.Info("automata running",
		"driver", c.DBDriver,
		"sweep", c.Config.SweepSpec,
		"outbox_processor", c.Config.OutboxProcessorEnabled,
	)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// initEventBus wires runtime event ingestion and returns the publisher
// lifecycle events are relayed to.
func (c *Container) initEventBus(ctx context.Context, g *errgroup.Group) (eventbus.Publisher, error) {
	if c.InProcessEventBus != nil {
		return c.InProcessEventBus, nil
	}

	publisher, err := eventbus.NewRabbitMQPublisher(eventbus.RabbitMQPublisherConfig{
		URL:    c.Config.RabbitMQURL,
		Logger: c.Logger,
	})
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, publisher.Close)
	c.Health.Register("rabbitmq", observability.RabbitMQHealthChecker(publisher.Check))

	consumer, err := eventbus.NewRabbitMQConsumer(eventbus.RabbitMQConsumerConfig{
		URL:       c.Config.RabbitMQURL,
		QueueName: c.Config.RuntimeEventQueue,
		Logger:    c.Logger,
	}, nil)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, consumer.Close)
	consumer.RegisterConsumer(c.RuntimeConsumer)
	g.Go(func() error {
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("runtime event consumer: %w", err)
		}
		return nil
	})
	return publisher, nil
}

// NewRuntimePublisher connects a publisher to the runtime exchange.
func NewRuntimePublisher(cfg *config.Config, logger *slog.Logger) (*eventbus.RabbitMQPublisher, error) {
	if cfg.RabbitMQURL == "" {
		return nil, errors.New("RABBITMQ_URL is required to publish runtime events")
	}
	return eventbus.NewRabbitMQPublisher(eventbus.RabbitMQPublisherConfig{
		URL:      cfg.RabbitMQURL,
		Exchange: eventbus.RuntimeExchange,
		Logger:   logger,
	})
}

// Close stops background services and releases connections in reverse order.
func (c *Container) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.Sweeper != nil {
		c.Sweeper.Stop()
	}
	if c.Coordinator != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		errs = append(errs, c.Coordinator.Stop(stopCtx))
		cancel()
	}
	if c.OutboxProcessor != nil {
		c.OutboxProcessor.Stop()
	}
	if c.Locker != nil {
		errs = append(errs, c.Locker.Close())
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	c.closers = nil
	return errors.Join(errs...)
}
