// Package services contains the automation application services.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/felixgeelhaar/automata/internal/automation/domain"
)

// Executor performs a schedule's deliverable. It returns finished or skip;
// any error is reported as an execution failure.
type Executor interface {
	Execute(ctx context.Context, scheduleID string, payload json.RawMessage) (domain.ExecutionOutcome, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, scheduleID string, payload json.RawMessage) (domain.ExecutionOutcome, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, scheduleID string, payload json.RawMessage) (domain.ExecutionOutcome, error) {
	return f(ctx, scheduleID, payload)
}

// ToExecutionResult maps an executor return onto the state machine input.
// Plain errors are retryable; an *ExecutionError decides for itself.
func ToExecutionResult(outcome domain.ExecutionOutcome, err error) domain.ExecutionResult {
	if err != nil {
		retryable := true
		var execErr *domain.ExecutionError
		if errors.As(err, &execErr) {
			retryable = execErr.Retryable
		}
		return domain.ExecutionResult{Outcome: domain.ExecutionErrored, Err: err, Retryable: retryable}
	}
	switch outcome {
	case domain.ExecutionFinished, domain.ExecutionSkipped:
		return domain.ExecutionResult{Outcome: outcome}
	default:
		return domain.ExecutionResult{
			Outcome: domain.ExecutionErrored,
			Err:     fmt.Errorf("executor returned unknown outcome %q", outcome),
		}
	}
}

// GuardConfig configures a GuardedExecutor.
type GuardConfig struct {
	// Timeout bounds a single execution. Zero disables it.
	Timeout time.Duration

	// FailureThreshold opens the breaker after this many consecutive failures.
	FailureThreshold uint32

	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// DefaultGuardConfig returns sensible defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// GuardedExecutor protects an Executor with a timeout and a circuit breaker.
// While the breaker is open executions fail fast with a retryable error.
type GuardedExecutor struct {
	next    Executor
	breaker *gobreaker.CircuitBreaker[domain.ExecutionOutcome]
	timeout time.Duration
	logger  *slog.Logger
}

// NewGuardedExecutor wraps next.
func NewGuardedExecutor(next Executor, cfg GuardConfig, logger *slog.Logger) *GuardedExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultGuardConfig().FailureThreshold
	}

	settings := gobreaker.Settings{
		Name:        "executor",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}

	return &GuardedExecutor{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker[domain.ExecutionOutcome](settings),
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// Execute runs the wrapped executor through the breaker.
func (g *GuardedExecutor) Execute(ctx context.Context, scheduleID string, payload json.RawMessage) (domain.ExecutionOutcome, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	outcome, err := g.breaker.Execute(func() (domain.ExecutionOutcome, error) {
		return g.next.Execute(ctx, scheduleID, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", &domain.ExecutionError{ScheduleID: scheduleID, Err: err, Retryable: true}
	}
	if err != nil && ctx.Err() != nil {
		return "", &domain.ExecutionError{ScheduleID: scheduleID, Err: err, Retryable: true}
	}
	return outcome, err
}

// State returns the breaker state name.
func (g *GuardedExecutor) State() string {
	return g.breaker.State().String()
}

// LogExecutor logs every execution and reports it finished.
type LogExecutor struct {
	Logger *slog.Logger
}

// Execute logs the schedule payload.
func (e LogExecutor) Execute(ctx context.Context, scheduleID string, payload json.RawMessage) (domain.ExecutionOutcome, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "executing schedule",
		"schedule_id", scheduleID,
		"payload", string(payload),
	)
	return domain.ExecutionFinished, nil
}
