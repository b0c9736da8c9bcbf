package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/automata/internal/automation/application/commands"
	"github.com/felixgeelhaar/automata/internal/automation/application/services"
	"github.com/felixgeelhaar/automata/internal/automation/domain"
	"github.com/felixgeelhaar/automata/internal/automation/infrastructure/locks"
	"github.com/felixgeelhaar/automata/internal/automation/infrastructure/messaging"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/automata/pkg/config"
	"github.com/felixgeelhaar/automata/pkg/observability"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "RABBITMQ_URL", "HEALTH_ADDR"} {
		t.Setenv(key, "")
	}
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "automata.db"))
	t.Setenv("OUTBOX_POLL_INTERVAL", "20ms")
	t.Setenv("AUTOMATION_STORAGE_BACKOFF", "1ms")

	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

type countingExecutor struct {
	mu  sync.Mutex
	ids []string
}

func (e *countingExecutor) Execute(_ context.Context, id string, _ json.RawMessage) (domain.ExecutionOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, id)
	return domain.ExecutionFinished, nil
}

func (e *countingExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ids...)
}

type lifecycleRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (r *lifecycleRecorder) Topics() []string { return []string{"automation.schedule.#"} }

func (r *lifecycleRecorder) Handle(_ context.Context, d *eventbus.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, d.RoutingKey)
	return nil
}

func (r *lifecycleRecorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func welcomeDefinition() commands.ScheduleDefinition {
	return commands.ScheduleDefinition{
		ID:             "welcome",
		ExecutionLimit: 1,
		Payload:        json.RawMessage(`{"message":"hello"}`),
		Triggers:       []commands.TriggerDefinition{{Type: string(domain.TriggerAppForeground), Goal: 1}},
	}
}

func TestNewContainer_LocalMode(t *testing.T) {
	ctx := context.Background()
	exec := &countingExecutor{}
	metrics := observability.NewInMemoryMetrics()

	c, err := NewContainer(ctx, testConfig(t), testLogger(), WithExecutor(exec), WithMetrics(metrics))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	assert.Equal(t, database.DriverSQLite, c.DBDriver)
	assert.IsType(t, &locks.LocalLocker{}, c.Locker)
	assert.Nil(t, c.RedisClient)
	assert.Nil(t, c.Prometheus)
	require.NotNil(t, c.InProcessEventBus)
	assert.ElementsMatch(t, []string{"database", "automation"}, c.Health.Names())

	require.NoError(t, c.Start(ctx))
	_, err = c.AutomationService.CreateSchedule(ctx, commands.CreateScheduleCommand{Definition: welcomeDefinition()})
	require.NoError(t, err)

	ev := domain.NewRuntimeEvent(domain.EventAppForeground, time.Now())
	require.NoError(t, messaging.Publish(ctx, c.InProcessEventBus, ev))
	require.NoError(t, c.Coordinator.Drain(ctx))

	assert.Equal(t, []string{"welcome"}, exec.executed())
	stored, err := c.ScheduleRepo.Get(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFinished, stored.State)

	health := c.Health.Check(ctx)
	assert.Equal(t, observability.HealthStatusHealthy, health.Status)

	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx), "close is idempotent")
}

func TestContainer_RunRelaysLifecycleEvents(t *testing.T) {
	cfg := testConfig(t)
	c, err := NewContainer(context.Background(), cfg, testLogger(), WithExecutor(&countingExecutor{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	recorder := &lifecycleRecorder{}
	c.InProcessEventBus.RegisterConsumer(recorder)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	_, err = c.AutomationService.CreateSchedule(context.Background(), commands.CreateScheduleCommand{Definition: welcomeDefinition()})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		for _, key := range recorder.received() {
			if key == "automation.schedule.idle" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.NotNil(t, c.OutboxProcessor)
}

func TestNewContainer_RedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisURL = "redis://" + mr.Addr()

	c, err := NewContainer(context.Background(), cfg, testLogger(), WithMetrics(observability.NoopMetrics{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	assert.IsType(t, &locks.RedisLocker{}, c.Locker)
	require.NotNil(t, c.RedisClient)
	assert.Contains(t, c.Health.Names(), "redis")
}

func TestNewContainer_UnreachableRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.RedisURL = "redis://127.0.0.1:1"

	_, err := NewContainer(context.Background(), cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}

func TestDatabaseConfig(t *testing.T) {
	tests := []struct {
		name   string
		cfg    config.Config
		driver database.Driver
		path   string
	}{
		{name: "embedded by default", cfg: config.Config{SQLitePath: "/tmp/a.db"}, driver: database.DriverSQLite, path: "/tmp/a.db"},
		{name: "postgres url", cfg: config.Config{DatabaseURL: "postgres://u:p@localhost/automata"}, driver: database.DriverPostgres},
		{name: "sqlite url", cfg: config.Config{DatabaseURL: "sqlite:///srv/automata.db"}, driver: database.DriverSQLite, path: "/srv/automata.db"},
		{name: "unknown scheme", cfg: config.Config{DatabaseURL: "mysql://localhost/automata"}, driver: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DatabaseConfig(&tt.cfg)
			assert.Equal(t, tt.driver, got.Driver)
			assert.Equal(t, tt.path, got.SQLitePath)
		})
	}
}

func TestCoordinatorConfig(t *testing.T) {
	cfg := &config.Config{
		MaxSessionDelta:   2 * time.Minute,
		MaxDelayDwell:     time.Hour,
		StorageRetries:    5,
		StorageBackoff:    time.Second,
		TerminalRetention: time.Hour,
		SnapshotCacheSize: 10,
	}
	got := coordinatorConfig(cfg)
	assert.Equal(t, 2*time.Minute, got.Evaluation.MaxSessionDelta)
	assert.Equal(t, time.Hour, got.Evaluation.MaxDelayDwell)
	assert.Equal(t, 5, got.StorageRetries)
	assert.Equal(t, 10, got.SnapshotCacheSize)
	assert.Equal(t, services.DefaultCoordinatorConfig().SubscriberBuffer, got.SubscriberBuffer)
}
