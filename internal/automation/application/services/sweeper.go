package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/felixgeelhaar/automata/internal/automation/domain"
	"github.com/felixgeelhaar/automata/pkg/observability"
)

// DefaultSweepSpec runs the sweeper every fifteen seconds.
const DefaultSweepSpec = "@every 15s"

// Sweepable is the part of the coordinator the sweeper drives.
type Sweepable interface {
	Tick(ctx context.Context) error
	Purge(ctx context.Context) (int64, error)
}

// Sweeper periodically feeds a time tick into the coordinator and purges
// terminal schedules past retention. Ticks drive delay seconds, end dates,
// dwell timeouts and active session time.
type Sweeper struct {
	target  Sweepable
	spec    string
	cron    *cron.Cron
	logger  *slog.Logger
	metrics observability.Metrics

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewSweeper creates a sweeper running on the given cron spec. An empty spec
// uses DefaultSweepSpec.
func NewSweeper(target Sweepable, spec string, logger *slog.Logger, metrics observability.Metrics) *Sweeper {
	if spec == "" {
		spec = DefaultSweepSpec
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	cronLog := cronLogger{logger: logger}
	return &Sweeper{
		target:  target,
		spec:    spec,
		logger:  logger,
		metrics: metrics,
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
	}
}

// Start schedules the sweep job.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if _, err := s.cron.AddFunc(s.spec, func() { s.Sweep(s.ctx) }); err != nil {
		s.cancel()
		return fmt.Errorf("invalid sweep spec %q: %w", s.spec, err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("sweeper started", "spec", s.spec)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.cancel()
	s.running = false
	s.logger.Info("sweeper stopped")
}

// Sweep runs one tick and purge pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := time.Now()
	defer func() {
		s.metrics.Timing(observability.MetricSweepDuration, time.Since(start))
	}()

	if err := s.target.Tick(ctx); err != nil {
		s.logFailure("time tick failed", err)
		return
	}
	if _, err := s.target.Purge(ctx); err != nil {
		s.logFailure("purge failed", err)
	}
}

func (s *Sweeper) logFailure(msg string, err error) {
	switch {
	case errors.Is(err, ErrCoordinatorStopped),
		errors.Is(err, domain.ErrAutomationDisabled),
		errors.Is(err, context.Canceled):
		s.logger.Debug(msg, "error", err)
	default:
		s.logger.Warn(msg, "error", err)
	}
}

// cronLogger routes cron's logging into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
