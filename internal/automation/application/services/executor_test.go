package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/automata/internal/automation/domain"
)

func TestToExecutionResult(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name      string
		outcome   domain.ExecutionOutcome
		err       error
		want      domain.ExecutionOutcome
		retryable bool
	}{
		{name: "finished", outcome: domain.ExecutionFinished, want: domain.ExecutionFinished},
		{name: "skip", outcome: domain.ExecutionSkipped, want: domain.ExecutionSkipped},
		{name: "plain error is retryable", err: boom, want: domain.ExecutionErrored, retryable: true},
		{
			name:      "execution error decides",
			err:       &domain.ExecutionError{ScheduleID: "s", Err: boom, Retryable: false},
			want:      domain.ExecutionErrored,
			retryable: false,
		},
		{name: "unknown outcome", outcome: "maybe", want: domain.ExecutionErrored},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ToExecutionResult(tt.outcome, tt.err)
			assert.Equal(t, tt.want, res.Outcome)
			assert.Equal(t, tt.retryable, res.Retryable)
			if tt.want == domain.ExecutionErrored {
				assert.Error(t, res.Err)
			} else {
				assert.NoError(t, res.Err)
			}
		})
	}
}

func TestGuardedExecutor_OpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	failing := ExecutorFunc(func(context.Context, string, json.RawMessage) (domain.ExecutionOutcome, error) {
		calls++
		return "", errors.New("downstream unavailable")
	})
	guard := NewGuardedExecutor(failing, GuardConfig{FailureThreshold: 2, OpenTimeout: time.Hour}, testLogger())

	for i := 0; i < 2; i++ {
		_, err := guard.Execute(context.Background(), "s", nil)
		require.Error(t, err)
	}
	assert.Equal(t, "open", guard.State())

	_, err := guard.Execute(context.Background(), "s", nil)
	require.Error(t, err)
	assert.Equal(t, 2, calls, "open breaker must not call through")

	var execErr *domain.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.True(t, execErr.Retryable)
	assert.True(t, ToExecutionResult("", err).Retryable)
}

func TestGuardedExecutor_Timeout(t *testing.T) {
	slow := ExecutorFunc(func(ctx context.Context, _ string, _ json.RawMessage) (domain.ExecutionOutcome, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	guard := NewGuardedExecutor(slow, GuardConfig{Timeout: 10 * time.Millisecond, FailureThreshold: 5}, testLogger())

	_, err := guard.Execute(context.Background(), "s", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var execErr *domain.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.True(t, execErr.Retryable)
}

func TestGuardedExecutor_PassesThrough(t *testing.T) {
	ok := ExecutorFunc(func(_ context.Context, id string, payload json.RawMessage) (domain.ExecutionOutcome, error) {
		assert.Equal(t, "s", id)
		assert.JSONEq(t, `{"k":1}`, string(payload))
		return domain.ExecutionSkipped, nil
	})
	guard := NewGuardedExecutor(ok, DefaultGuardConfig(), nil)

	outcome, err := guard.Execute(context.Background(), "s", json.RawMessage(`{"k":1}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionSkipped, outcome)
	assert.Equal(t, "closed", guard.State())
}

func TestLogExecutor(t *testing.T) {
	outcome, err := LogExecutor{Logger: testLogger()}.Execute(context.Background(), "s", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFinished, outcome)
}
