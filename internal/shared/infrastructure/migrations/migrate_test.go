package migrations

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/database/sqlite"
)

func TestLoad(t *testing.T) {
	for _, driver := range []database.Driver{database.DriverSQLite, database.DriverPostgres} {
		t.Run(driver.String(), func(t *testing.T) {
			migrations, err := Load(driver)
			require.NoError(t, err)
			require.Len(t, migrations, 2)
			assert.Equal(t, 1, migrations[0].Version)
			assert.Equal(t, "0001_automation", migrations[0].Name)
			assert.Contains(t, migrations[0].SQL, "automation_schedules")
			assert.Equal(t, 2, migrations[1].Version)
			assert.Contains(t, migrations[1].SQL, "outbox")
		})
	}
}

func TestRun_SQLiteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := sqlite.NewConnection(ctx, database.Config{SQLitePath: filepath.Join(t.TempDir(), "m.db")})
	require.NoError(t, err)
	defer conn.Close()

	applied, err := Run(ctx, conn, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	applied, err = Run(ctx, conn, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	versions, err := Applied(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{1: true, 2: true}, versions)

	for _, table := range []string{"automation_schedules", "automation_triggers", "automation_delay_conditions", "outbox"} {
		var name string
		err := conn.QueryRow(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}
