package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/convert"
)

// Config holds application configuration.
type Config struct {
	// Application
	AppEnv    string
	LogLevel  string
	LogFormat string
	Version   string

	// Database. An empty DatabaseURL selects the embedded SQLite store.
	DatabaseURL string
	SQLitePath  string

	// Redis enables cross-process schedule locks when set.
	RedisURL string

	// RabbitMQ enables lifecycle publishing and runtime ingestion when set.
	RabbitMQURL       string
	RuntimeEventQueue string

	// Outbox
	OutboxPollInterval     time.Duration
	OutboxBatchSize        int
	OutboxMaxRetries       int
	OutboxRetention        time.Duration
	OutboxCleanupInterval  time.Duration
	OutboxProcessorEnabled bool

	// Automation
	SweepSpec          string
	MaxDelayDwell      time.Duration
	TerminalRetention  time.Duration
	StorageRetries     int
	StorageBackoff     time.Duration
	MaxSessionDelta    time.Duration
	SnapshotCacheSize  int
	ExecutorTimeout    time.Duration
	BreakerThreshold   uint32
	BreakerOpenTimeout time.Duration

	// Health and metrics listener. Empty disables it.
	HealthAddr string
}

// Load loads configuration from environment variables, reading .env first.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:    getEnv("APP_ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", ""),
		Version:   getEnv("AUTOMATA_VERSION", "dev"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		RabbitMQURL:       getEnv("RABBITMQ_URL", ""),
		RuntimeEventQueue: getEnv("RUNTIME_EVENT_QUEUE", "automata.runtime.events"),

		OutboxPollInterval:     getDurationEnv("OUTBOX_POLL_INTERVAL", 500*time.Millisecond),
		OutboxBatchSize:        getIntEnv("OUTBOX_BATCH_SIZE", 100),
		OutboxMaxRetries:       getIntEnv("OUTBOX_MAX_RETRIES", 5),
		OutboxRetention:        getDurationEnv("OUTBOX_RETENTION", 7*24*time.Hour),
		OutboxCleanupInterval:  getDurationEnv("OUTBOX_CLEANUP_INTERVAL", time.Hour),
		OutboxProcessorEnabled: getBoolEnv("OUTBOX_PROCESSOR_ENABLED", true),

		SweepSpec:          getEnv("AUTOMATION_SWEEP_SPEC", "@every 15s"),
		MaxDelayDwell:      getDurationEnv("AUTOMATION_MAX_DELAY_DWELL", 0),
		TerminalRetention:  getDurationEnv("AUTOMATION_TERMINAL_RETENTION", 14*24*time.Hour),
		StorageRetries:     getIntEnv("AUTOMATION_STORAGE_RETRIES", 3),
		StorageBackoff:     getDurationEnv("AUTOMATION_STORAGE_BACKOFF", 50*time.Millisecond),
		MaxSessionDelta:    getDurationEnv("AUTOMATION_MAX_SESSION_DELTA", time.Minute),
		SnapshotCacheSize:  getIntEnv("AUTOMATION_SNAPSHOT_CACHE_SIZE", 1024),
		ExecutorTimeout:    getDurationEnv("EXECUTOR_TIMEOUT", 30*time.Second),
		BreakerThreshold:   convert.IntToUint32Clamped(getIntEnv("EXECUTOR_BREAKER_THRESHOLD", 5)),
		BreakerOpenTimeout: getDurationEnv("EXECUTOR_BREAKER_TIMEOUT", 30*time.Second),

		HealthAddr: getEnv("HEALTH_ADDR", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := cron.ParseStandard(c.SweepSpec); err != nil {
		errs = append(errs, fmt.Errorf("AUTOMATION_SWEEP_SPEC %q: %w", c.SweepSpec, err))
	}
	if c.StorageRetries < 1 {
		errs = append(errs, errors.New("AUTOMATION_STORAGE_RETRIES must be at least 1"))
	}
	if c.MaxDelayDwell < 0 {
		errs = append(errs, errors.New("AUTOMATION_MAX_DELAY_DWELL must not be negative"))
	}
	if c.MaxSessionDelta < 0 {
		errs = append(errs, errors.New("AUTOMATION_MAX_SESSION_DELTA must not be negative"))
	}
	if c.OutboxBatchSize < 1 {
		errs = append(errs, errors.New("OUTBOX_BATCH_SIZE must be at least 1"))
	}
	return errors.Join(errs...)
}

// UsesSQLite reports whether the embedded store is selected.
func (c *Config) UsesSQLite() bool {
	return c.DatabaseURL == ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
