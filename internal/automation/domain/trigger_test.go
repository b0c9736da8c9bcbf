package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return t0.Add(time.Duration(seconds) * time.Second)
}

func foregroundContext(now time.Time) RuntimeContext {
	return RuntimeContext{AppState: AppStateForeground, Regions: map[string]struct{}{}, Now: now}
}

func TestTrigger_OnEvent_CountsMatchingEvents(t *testing.T) {
	trigger := NewTrigger(TriggerCustomEvent, 3, Eq("name", "x"))
	trigger.ScheduleID = "s1"
	rc := foregroundContext(t0)

	res, changed := trigger.OnEvent(CustomEvent("x", 0, at(1)), rc, EvaluationOptions{})
	assert.Nil(t, res)
	assert.True(t, changed)
	assert.Equal(t, 1.0, trigger.Progress)

	res, changed = trigger.OnEvent(CustomEvent("y", 0, at(2)), rc, EvaluationOptions{})
	assert.Nil(t, res)
	assert.False(t, changed)
	assert.Equal(t, 1.0, trigger.Progress)

	res, _ = trigger.OnEvent(NewRuntimeEvent(EventAppForeground, at(3)), rc, EvaluationOptions{})
	assert.Nil(t, res)
	assert.Equal(t, 1.0, trigger.Progress)

	res, _ = trigger.OnEvent(CustomEvent("x", 0, at(4)), rc, EvaluationOptions{})
	assert.Nil(t, res)
	assert.Equal(t, 2.0, trigger.Progress)

	fire := CustomEvent("x", 0, at(5))
	res, changed = trigger.OnEvent(fire, rc, EvaluationOptions{})
	require.NotNil(t, res)
	assert.True(t, changed)
	assert.Equal(t, 0.0, trigger.Progress)
	assert.Equal(t, "s1", res.ScheduleID)
	assert.Equal(t, trigger.ID, res.TriggerID)
	assert.Equal(t, TriggerRolePrimary, res.Role)
	assert.Equal(t, at(5), res.FiredAt)
	assert.Equal(t, fire.ID, res.Context.ID)
}

func TestTrigger_OnEvent_ProgressNeverDecreasesBetweenFires(t *testing.T) {
	trigger := NewTrigger(TriggerScreenView, 4, nil)
	rc := foregroundContext(t0)

	last := 0.0
	fires := 0
	for i := 0; i < 20; i++ {
		ev := NewRuntimeEvent(EventScreenView, at(i))
		if i%3 == 0 {
			ev = NewRuntimeEvent(EventRegionEnter, at(i))
		}
		res, _ := trigger.OnEvent(ev, rc, EvaluationOptions{})
		if res != nil {
			fires++
			assert.Equal(t, 0.0, trigger.Progress)
			last = 0
			continue
		}
		assert.GreaterOrEqual(t, trigger.Progress, last)
		last = trigger.Progress
	}
	assert.Equal(t, 3, fires)
}

func TestTrigger_OnEvent_CustomEventValue(t *testing.T) {
	trigger := NewTrigger(TriggerCustomEventValue, 10, Eq("name", "spend"))
	rc := foregroundContext(t0)

	res, _ := trigger.OnEvent(CustomEvent("spend", 4, at(1)), rc, EvaluationOptions{})
	assert.Nil(t, res)
	assert.Equal(t, 4.0, trigger.Progress)

	res, changed := trigger.OnEvent(CustomEvent("spend", -20, at(2)), rc, EvaluationOptions{})
	assert.Nil(t, res)
	assert.False(t, changed)
	assert.Equal(t, 4.0, trigger.Progress)

	res, _ = trigger.OnEvent(CustomEvent("spend", 7.5, at(3)), rc, EvaluationOptions{})
	require.NotNil(t, res)
	assert.Equal(t, 0.0, trigger.Progress)
}

func TestTrigger_OnEvent_ActiveSession(t *testing.T) {
	trigger := NewTrigger(TriggerActiveSession, 60, nil)
	rc := RuntimeContext{Regions: map[string]struct{}{}}

	feed := func(ev RuntimeEvent) *TriggerFireResult {
		rc = rc.Apply(ev)
		res, _ := trigger.OnEvent(ev, rc, EvaluationOptions{})
		return res
	}

	assert.Nil(t, feed(NewRuntimeEvent(EventAppForeground, at(0))))
	assert.Equal(t, 0.0, trigger.Progress)
	require.NotNil(t, trigger.LastEvaluatedAt)

	assert.Nil(t, feed(TimeTick(at(30))))
	assert.Equal(t, 30.0, trigger.Progress)

	assert.Nil(t, feed(NewRuntimeEvent(EventAppBackground, at(40))))
	assert.Equal(t, 40.0, trigger.Progress)
	assert.Nil(t, trigger.LastEvaluatedAt)

	// Suspended time is not counted.
	assert.Nil(t, feed(TimeTick(at(500))))
	assert.Equal(t, 40.0, trigger.Progress)

	assert.Nil(t, feed(NewRuntimeEvent(EventAppForeground, at(1000))))
	assert.Equal(t, 40.0, trigger.Progress)

	res := feed(TimeTick(at(1020)))
	require.NotNil(t, res)
	assert.Equal(t, 0.0, trigger.Progress)
}

func TestTrigger_OnEvent_ActiveSessionClampsDelta(t *testing.T) {
	trigger := NewTrigger(TriggerActiveSession, 3600, nil)
	rc := foregroundContext(t0)
	opts := EvaluationOptions{MaxSessionDelta: 10 * time.Second}

	_, changed := trigger.OnEvent(TimeTick(at(0)), rc, opts)
	assert.True(t, changed)

	_, _ = trigger.OnEvent(TimeTick(at(3600)), rc, opts)
	assert.Equal(t, 10.0, trigger.Progress)

	// Out of order events credit nothing.
	_, changed = trigger.OnEvent(TimeTick(at(100)), rc, opts)
	assert.False(t, changed)
	assert.Equal(t, 10.0, trigger.Progress)
}

func TestTrigger_Validate(t *testing.T) {
	t.Run("valid trigger", func(t *testing.T) {
		require.NoError(t, NewTrigger(TriggerRegionExit, 1, Eq("region_id", "store")).Validate())
	})

	cases := []struct {
		name    string
		trigger *Trigger
	}{
		{"zero goal", NewTrigger(TriggerCustomEvent, 0, nil)},
		{"unknown type", NewTrigger("shake", 1, nil)},
		{"unknown role", &Trigger{ID: "t", Role: "other", Type: TriggerScreenView, Goal: 1}},
		{"missing id", &Trigger{Role: TriggerRolePrimary, Type: TriggerScreenView, Goal: 1}},
		{"active session with predicate", NewTrigger(TriggerActiveSession, 10, Eq("name", "x"))},
		{"invalid predicate", NewTrigger(TriggerCustomEvent, 1, &Predicate{Op: PredicateIn, Field: "name"})},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.trigger.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSchedule))
		})
	}
}

func TestTrigger_Clone(t *testing.T) {
	trigger := NewCancellationTrigger(TriggerActiveSession, 10, nil)
	now := at(5)
	trigger.LastEvaluatedAt = &now
	trigger.Progress = 3

	clone := trigger.Clone()
	clone.Progress = 7
	*clone.LastEvaluatedAt = at(9)

	assert.Equal(t, 3.0, trigger.Progress)
	assert.Equal(t, at(5), *trigger.LastEvaluatedAt)
	assert.Equal(t, TriggerRoleCancellation, clone.Role)
}
