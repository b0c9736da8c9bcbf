package application_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/automata/internal/automation/application"
	"github.com/felixgeelhaar/automata/internal/automation/application/commands"
	"github.com/felixgeelhaar/automata/internal/automation/application/queries"
	"github.com/felixgeelhaar/automata/internal/automation/application/services"
	"github.com/felixgeelhaar/automata/internal/automation/domain"
	"github.com/felixgeelhaar/automata/internal/automation/infrastructure/persistence"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/database/sqlite"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/migrations"
)

const welcomeDefinition = `{
	"id": "welcome",
	"group": "onboarding",
	"execution_limit": 1,
	"payload": {"message": "welcome back"},
	"triggers": [
		{"type": "custom_event", "goal": 2, "predicate": {"op": "eq", "field": "name", "value": "purchase"}}
	]
}`

func newService(t *testing.T) (*application.Service, *services.Coordinator, *atomic.Int32) {
	t.Helper()
	ctx := context.Background()
	conn, err := sqlite.NewConnection(ctx, database.Config{
		Driver:     database.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "automation.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_, err = migrations.Run(ctx, conn, nil)
	require.NoError(t, err)

	var executions atomic.Int32
	coordinator, err := services.NewCoordinator(services.Deps{
		Repo: persistence.NewScheduleRepository(conn),
		UoW:  database.NewUnitOfWork(conn),
		Executor: services.ExecutorFunc(func(context.Context, string, json.RawMessage) (domain.ExecutionOutcome, error) {
			executions.Add(1)
			return domain.ExecutionFinished, nil
		}),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, services.DefaultCoordinatorConfig())
	require.NoError(t, err)
	require.NoError(t, coordinator.Start(ctx))
	t.Cleanup(func() { _ = coordinator.Stop(context.Background()) })

	return application.NewService(coordinator), coordinator, &executions
}

func TestService_ScheduleLifecycle(t *testing.T) {
	svc, coordinator, executions := newService(t)
	ctx := context.Background()

	def, err := commands.DecodeDefinition(strings.NewReader(welcomeDefinition))
	require.NoError(t, err)
	created, err := svc.CreateSchedule(ctx, commands.CreateScheduleCommand{Definition: def})
	require.NoError(t, err)
	assert.Equal(t, "welcome", created.ScheduleID)
	assert.Equal(t, domain.StateIdle, created.State)

	for i := 0; i < 2; i++ {
		err := svc.ProcessEvent(ctx, commands.ProcessEventCommand{
			Event: domain.CustomEvent("purchase", 0, time.Now()),
		})
		require.NoError(t, err)
	}
	require.NoError(t, coordinator.Drain(ctx))
	assert.Equal(t, int32(1), executions.Load())

	dto, err := svc.GetSchedule(ctx, queries.GetScheduleQuery{ScheduleID: "welcome"})
	require.NoError(t, err)
	assert.Equal(t, string(domain.StateFinished), dto.State)
	assert.Equal(t, 1, dto.ExecutionCount)
	assert.JSONEq(t, `{"message": "welcome back"}`, string(dto.Payload))
}

func TestService_EditAndCancel(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	def, err := commands.DecodeDefinition(strings.NewReader(welcomeDefinition))
	require.NoError(t, err)
	_, err = svc.CreateSchedule(ctx, commands.CreateScheduleCommand{Definition: def})
	require.NoError(t, err)

	priority := 7
	edited, err := svc.EditSchedule(ctx, commands.EditScheduleCommand{ScheduleID: "welcome", Priority: &priority})
	require.NoError(t, err)
	assert.Equal(t, domain.StateIdle, edited.State)

	listed, err := svc.ListSchedules(ctx, queries.ListSchedulesQuery{Group: "onboarding", ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, 7, listed[0].Priority)

	cancelled, err := svc.CancelGroup(ctx, commands.CancelGroupCommand{Group: "onboarding"})
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)

	listed, err = svc.ListSchedules(ctx, queries.ListSchedulesQuery{ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, listed)

	_, err = svc.CancelSchedule(ctx, commands.CancelScheduleCommand{ScheduleID: "missing"})
	assert.True(t, errors.Is(err, domain.ErrScheduleNotFound))
}
