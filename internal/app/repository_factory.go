package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/felixgeelhaar/automata/internal/automation/domain"
	"github.com/felixgeelhaar/automata/internal/automation/infrastructure/persistence"
	sharedApplication "github.com/felixgeelhaar/automata/internal/shared/application"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/database"
	_ "github.com/felixgeelhaar/automata/internal/shared/infrastructure/database/postgres" // Register PostgreSQL driver
	_ "github.com/felixgeelhaar/automata/internal/shared/infrastructure/database/sqlite"   // Register SQLite driver
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/migrations"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/automata/pkg/config"
)

// RepositoryFactory creates repositories based on the database driver.
type RepositoryFactory struct {
	conn   database.Connection
	driver database.Driver
}

// NewRepositoryFactory creates a new repository factory.
func NewRepositoryFactory(conn database.Connection) (*RepositoryFactory, error) {
	driver := conn.Driver()
	if !driver.IsValid() {
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}
	return &RepositoryFactory{conn: conn, driver: driver}, nil
}

// Driver returns the driver the factory builds for.
func (f *RepositoryFactory) Driver() database.Driver {
	return f.driver
}

// ScheduleRepository creates the durable schedule store.
func (f *RepositoryFactory) ScheduleRepository() *persistence.ScheduleRepository {
	return persistence.NewScheduleRepository(f.conn)
}

// OutboxRepository creates the transactional outbox.
func (f *RepositoryFactory) OutboxRepository() outbox.Repository {
	return outbox.NewSQLRepository(f.conn)
}

// UnitOfWork creates a unit of work spanning both repositories.
func (f *RepositoryFactory) UnitOfWork() sharedApplication.UnitOfWork {
	return database.NewUnitOfWork(f.conn)
}

// DatabaseConfig maps application configuration onto a connection config.
// An empty DATABASE_URL selects the embedded SQLite store.
func DatabaseConfig(cfg *config.Config) database.Config {
	if cfg.UsesSQLite() {
		return database.Config{Driver: database.DriverSQLite, SQLitePath: cfg.SQLitePath}
	}
	driver := database.DetectDriver(cfg.DatabaseURL)
	if driver == database.DriverSQLite {
		return database.Config{Driver: driver, SQLitePath: database.SQLitePathFromURL(cfg.DatabaseURL)}
	}
	return database.Config{Driver: driver, URL: cfg.DatabaseURL}
}

// OpenDatabase connects to the configured store and applies pending migrations.
func OpenDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (database.Connection, error) {
	conn, err := database.NewConnection(ctx, DatabaseConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	applied, err := migrations.Run(ctx, conn, logger)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if applied > 0 {
		logger.Info("database migrated", "applied", applied, "driver", conn.Driver())
	}
	if err := database.CheckIntegrity(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, domain.NewStorageError("integrity check", err, true)
	}
	return conn, nil
}
