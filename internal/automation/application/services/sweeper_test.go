package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/automata/internal/automation/domain"
	"github.com/felixgeelhaar/automata/pkg/observability"
)

type mockSweepable struct {
	ticks   atomic.Int32
	purges  atomic.Int32
	tickErr error
}

func (m *mockSweepable) Tick(context.Context) error {
	m.ticks.Add(1)
	return m.tickErr
}

func (m *mockSweepable) Purge(context.Context) (int64, error) {
	m.purges.Add(1)
	return 0, nil
}

func TestSweeper_Sweep(t *testing.T) {
	target := &mockSweepable{}
	metrics := observability.NewInMemoryMetrics()
	s := NewSweeper(target, "", testLogger(), metrics)

	s.Sweep(context.Background())

	assert.Equal(t, int32(1), target.ticks.Load())
	assert.Equal(t, int32(1), target.purges.Load())
	assert.Len(t, metrics.GetTimings(observability.MetricSweepDuration), 1)
}

func TestSweeper_SkipsPurgeWhenTickFails(t *testing.T) {
	target := &mockSweepable{tickErr: domain.ErrAutomationDisabled}
	s := NewSweeper(target, "", testLogger(), nil)

	s.Sweep(context.Background())

	assert.Equal(t, int32(1), target.ticks.Load())
	assert.Zero(t, target.purges.Load())
}

func TestSweeper_RejectsInvalidSpec(t *testing.T) {
	s := NewSweeper(&mockSweepable{}, "every now and then", testLogger(), nil)
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid sweep spec")
}

func TestSweeper_RunsOnSchedule(t *testing.T) {
	target := &mockSweepable{}
	s := NewSweeper(target, "@every 1s", testLogger(), nil)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()), "start is idempotent")

	assert.Eventually(t, func() bool { return target.ticks.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	s.Stop()
	s.Stop()

	ticks := target.ticks.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, ticks, target.ticks.Load(), "no sweeps after stop")
}

func TestSweeper_DrivesCoordinator(t *testing.T) {
	h := newHarness(t, func(cfg *CoordinatorConfig) { cfg.TerminalRetention = time.Minute })
	ctx := context.Background()

	delayed := domain.NewSchedule("delayed", 1, nil, domain.NewTrigger(domain.TriggerAppForeground, 1, nil))
	delayed.SetDelay(&domain.DelayCondition{Seconds: 30})
	_, err := h.c.Schedule(ctx, delayed)
	require.NoError(t, err)
	_, err = h.c.Schedule(ctx, customSchedule("gone", 1))
	require.NoError(t, err)
	_, err = h.c.CancelSchedule(ctx, "gone")
	require.NoError(t, err)
	h.send(t, domain.NewRuntimeEvent(domain.EventAppForeground, h.clock.Now()))

	sweeper := NewSweeper(h.c, "", testLogger(), h.metrics)
	h.clock.Advance(2 * time.Minute)
	sweeper.Sweep(ctx)
	h.drain(t)

	assert.Equal(t, 1, h.exec.count())
	assert.Equal(t, domain.StateFinished, h.state(t, "delayed"))
	_, err = h.c.Get(ctx, "gone")
	assert.True(t, errors.Is(err, domain.ErrScheduleNotFound))
}
