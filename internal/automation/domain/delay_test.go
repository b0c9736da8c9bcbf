package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayCondition_IsSatisfied(t *testing.T) {
	inStore := RuntimeContext{
		AppState: AppStateForeground,
		Screen:   "home",
		Regions:  map[string]struct{}{"store-1": {}},
	}

	t.Run("nil condition is satisfied", func(t *testing.T) {
		var d *DelayCondition
		assert.True(t, d.IsSatisfied(0, RuntimeContext{}))
	})

	t.Run("empty condition is satisfied immediately", func(t *testing.T) {
		assert.True(t, (&DelayCondition{}).IsSatisfied(0, RuntimeContext{}))
	})

	t.Run("seconds", func(t *testing.T) {
		d := &DelayCondition{Seconds: 60}
		assert.False(t, d.IsSatisfied(59*time.Second, inStore))
		assert.True(t, d.IsSatisfied(60*time.Second, inStore))
	})

	t.Run("fractional seconds", func(t *testing.T) {
		d := &DelayCondition{Seconds: 1.5}
		assert.False(t, d.IsSatisfied(time.Second, inStore))
		assert.True(t, d.IsSatisfied(1500*time.Millisecond, inStore))
	})

	t.Run("screen", func(t *testing.T) {
		d := &DelayCondition{Screen: "home"}
		assert.True(t, d.IsSatisfied(0, inStore))
		assert.False(t, d.IsSatisfied(0, RuntimeContext{Screen: "settings"}))
	})

	t.Run("region", func(t *testing.T) {
		d := &DelayCondition{RegionID: "store-1"}
		assert.True(t, d.IsSatisfied(0, inStore))
		assert.False(t, d.IsSatisfied(0, RuntimeContext{}))
	})

	t.Run("app state", func(t *testing.T) {
		fg := &DelayCondition{AppState: AppStateForeground}
		bg := &DelayCondition{AppState: AppStateBackground}
		anyState := &DelayCondition{AppState: AppStateAny}

		assert.True(t, fg.IsSatisfied(0, inStore))
		assert.False(t, bg.IsSatisfied(0, inStore))
		assert.True(t, anyState.IsSatisfied(0, inStore))
		assert.True(t, anyState.IsSatisfied(0, RuntimeContext{AppState: AppStateBackground}))
	})

	t.Run("all set fields must hold together", func(t *testing.T) {
		d := &DelayCondition{Seconds: 10, Screen: "home", RegionID: "store-1", AppState: AppStateForeground}
		assert.True(t, d.IsSatisfied(10*time.Second, inStore))
		assert.False(t, d.IsSatisfied(9*time.Second, inStore))

		elsewhere := inStore.Clone()
		delete(elsewhere.Regions, "store-1")
		assert.False(t, d.IsSatisfied(time.Minute, elsewhere))

		backgrounded := inStore.Clone()
		backgrounded.AppState = AppStateBackground
		assert.False(t, d.IsSatisfied(time.Minute, backgrounded))
	})
}

func TestRuntimeContext_Apply(t *testing.T) {
	rc := RuntimeContext{}

	enter := NewRuntimeEvent(EventRegionEnter, at(1))
	enter.RegionID = "store-1"
	screen := NewRuntimeEvent(EventScreenView, at(2))
	screen.Screen = "home"

	rc = rc.Apply(NewRuntimeEvent(EventAppForeground, at(0)))
	rc = rc.Apply(enter)
	rc = rc.Apply(screen)

	assert.Equal(t, AppStateForeground, rc.AppState)
	assert.Equal(t, "home", rc.Screen)
	assert.True(t, rc.InRegion("store-1"))
	assert.Equal(t, at(2), rc.Now)

	before := rc
	exit := NewRuntimeEvent(EventRegionExit, at(3))
	exit.RegionID = "store-1"
	rc = rc.Apply(exit)
	rc = rc.Apply(NewRuntimeEvent(EventAppBackground, at(4)))

	assert.False(t, rc.InRegion("store-1"))
	assert.Equal(t, AppStateBackground, rc.AppState)
	assert.True(t, before.InRegion("store-1"), "apply must not mutate the previous context")
}

func TestDelayCondition_Validate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		d := &DelayCondition{
			Seconds:              30,
			AppState:             AppStateForeground,
			CancellationTriggers: []*Trigger{NewCancellationTrigger(TriggerRegionExit, 1, nil)},
		}
		require.NoError(t, d.Validate())
	})

	cases := []struct {
		name  string
		delay *DelayCondition
	}{
		{"negative seconds", &DelayCondition{Seconds: -1}},
		{"unknown app state", &DelayCondition{AppState: "suspended"}},
		{"primary trigger as cancellation", &DelayCondition{CancellationTriggers: []*Trigger{NewTrigger(TriggerRegionExit, 1, nil)}}},
		{"invalid cancellation trigger", &DelayCondition{CancellationTriggers: []*Trigger{NewCancellationTrigger(TriggerRegionExit, 0, nil)}}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.delay.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSchedule))
		})
	}
}
