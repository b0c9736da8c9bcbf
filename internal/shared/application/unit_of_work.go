package application

import (
	"context"
	"fmt"
	"time"
)

// UnitOfWork provides transactional support for aggregating multiple operations.
type UnitOfWork interface {
	Begin(ctx context.Context) (context.Context, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// UnitOfWorkFunc is a function that executes within a unit of work.
type UnitOfWorkFunc func(ctx context.Context) error

// WithUnitOfWork executes the given function within a unit of work.
// A panic inside fn rolls back and is re-raised.
func WithUnitOfWork(ctx context.Context, uow UnitOfWork, fn UnitOfWorkFunc) (err error) {
	txCtx, err := uow.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = uow.Rollback(txCtx)
			panic(r)
		}
	}()

	if err := fn(txCtx); err != nil {
		_ = uow.Rollback(txCtx)
		return err
	}

	return uow.Commit(txCtx)
}

// RetryPolicy bounds how often a failed unit of work is attempted again.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
	// Retryable decides whether err is worth another attempt.
	// Nil retries every error.
	Retryable func(err error) bool
}

// WithRetry runs fn until it succeeds, the policy is exhausted, or ctx ends.
// The backoff doubles after each failure.
func WithRetry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := policy.Backoff

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if policy.Retryable != nil && !policy.Retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		if backoff > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w (after %d attempts: %v)", ctx.Err(), i+1, err)
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return err
}
