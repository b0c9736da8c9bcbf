package schedule

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/automata/adapter/cli"
	internalApp "github.com/felixgeelhaar/automata/internal/app"
	"github.com/felixgeelhaar/automata/internal/automation/application/queries"
	"github.com/felixgeelhaar/automata/internal/automation/domain"
	"github.com/felixgeelhaar/automata/pkg/config"
	"github.com/felixgeelhaar/automata/pkg/observability"
)

const onboardingDefinition = `{
	"id": "welcome",
	"group": "onboarding",
	"priority": 2,
	"execution_limit": 1,
	"payload": {"message": "hello"},
	"triggers": [{"type": "app_foreground", "goal": 1}]
}`

// setupTestApp creates a CLI application backed by a temporary SQLite store.
func setupTestApp(t *testing.T) *internalApp.Container {
	t.Helper()
	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "RABBITMQ_URL", "HEALTH_ADDR"} {
		t.Setenv(key, "")
	}
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "cli.db"))

	cfg, err := config.Load()
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	container, err := internalApp.NewContainer(context.Background(), cfg, logger,
		internalApp.WithMetrics(observability.NoopMetrics{}))
	require.NoError(t, err)

	cli.SetApp(cli.NewApp(container.AutomationService, container))
	t.Cleanup(func() {
		cli.SetApp(nil)
		_ = container.Close(context.Background())
	})
	resetFlags()
	return container
}

func resetFlags() {
	createFile = ""
	listStates = nil
	listGroup = ""
	listLimit = 0
	listActive = false
	listJSON = false
	getJSON = false
	editLimit = 0
	editPriority = 0
	editGroup = ""
	editEnd = ""
	editClearEnd = false
	editClearDelay = false
	editCmd.Flags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
}

func writeDefinition(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "definition.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(cmd *cobra.Command, args ...string) (string, error) {
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetContext(context.Background())
	err := cmd.RunE(cmd, args)
	return out.String(), err
}

func TestCommands_WithoutApp(t *testing.T) {
	cli.SetApp(nil)
	resetFlags()

	out, err := execute(listCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "requires a database connection")
}

func TestCreateAndGet(t *testing.T) {
	setupTestApp(t)

	createFile = writeDefinition(t, onboardingDefinition)
	out, err := execute(createCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "Created schedule welcome [idle]")

	out, err = execute(getCmd, "welcome")
	require.NoError(t, err)
	assert.Contains(t, out, "welcome  [idle]")
	assert.Contains(t, out, "Group:      onboarding")
	assert.Contains(t, out, "Trigger:    app_foreground 0/1")

	getJSON = true
	out, err = execute(getCmd, "welcome")
	require.NoError(t, err)
	var dto queries.ScheduleDTO
	require.NoError(t, json.Unmarshal([]byte(out), &dto))
	assert.Equal(t, "welcome", dto.ID)
	assert.Equal(t, 2, dto.Priority)
}

func TestCreate_RequiresFile(t *testing.T) {
	setupTestApp(t)

	_, err := execute(createCmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--file is required")
}

func TestCreate_RejectsDuplicate(t *testing.T) {
	setupTestApp(t)

	createFile = writeDefinition(t, onboardingDefinition)
	_, err := execute(createCmd)
	require.NoError(t, err)

	_, err = execute(createCmd)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrScheduleExists)
}

func TestList(t *testing.T) {
	setupTestApp(t)

	out, err := execute(listCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "No schedules found.")

	createFile = writeDefinition(t, onboardingDefinition)
	_, err = execute(createCmd)
	require.NoError(t, err)

	listGroup = "onboarding"
	listJSON = true
	out, err = execute(listCmd)
	require.NoError(t, err)
	var dtos []queries.ScheduleDTO
	require.NoError(t, json.Unmarshal([]byte(out), &dtos))
	require.Len(t, dtos, 1)
	assert.Equal(t, "welcome", dtos[0].ID)

	resetFlags()
	listStates = []string{"bogus"}
	_, err = execute(listCmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown state")
}

func TestEditAndCancel(t *testing.T) {
	container := setupTestApp(t)
	ctx := context.Background()

	createFile = writeDefinition(t, onboardingDefinition)
	_, err := execute(createCmd)
	require.NoError(t, err)

	require.NoError(t, editCmd.Flags().Set("priority", "9"))
	out, err := execute(editCmd, "welcome")
	require.NoError(t, err)
	assert.Contains(t, out, "Updated schedule welcome [idle]")

	stored, err := container.ScheduleRepo.Get(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, 9, stored.Priority)

	out, err = execute(cancelGroupCmd, "onboarding")
	require.NoError(t, err)
	assert.Contains(t, out, "Cancelled 1 schedule(s) in group onboarding")

	stored, err = container.ScheduleRepo.Get(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, stored.State)

	_, err = execute(cancelCmd, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrScheduleNotFound)
}

func TestEdit_InvalidEndDate(t *testing.T) {
	setupTestApp(t)

	editEnd = "tomorrow"
	_, err := execute(editCmd, "welcome")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --end")
}

func TestCreate_FromStdin(t *testing.T) {
	setupTestApp(t)

	createFile = "-"
	createCmd.SetIn(bytes.NewBufferString(onboardingDefinition))
	t.Cleanup(func() { createCmd.SetIn(nil) })

	out, err := execute(createCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "Created schedule welcome")
}

func TestCreate_MissingFile(t *testing.T) {
	setupTestApp(t)

	createFile = filepath.Join(t.TempDir(), "missing.json")
	_, err := execute(createCmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open definition")
}
