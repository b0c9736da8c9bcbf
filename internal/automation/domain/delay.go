package domain

import (
	"time"
)

// AppState is the foreground/background state of the host application.
type AppState string

const (
	AppStateAny        AppState = "any"
	AppStateForeground AppState = "foreground"
	AppStateBackground AppState = "background"
)

// IsValid returns true if the app state is known. Empty means any.
func (s AppState) IsValid() bool {
	switch s {
	case "", AppStateAny, AppStateForeground, AppStateBackground:
		return true
	default:
		return false
	}
}

// RuntimeContext is the current view of the host application that delay
// conditions are resolved against.
type RuntimeContext struct {
	AppState AppState
	Screen   string
	Regions  map[string]struct{}
	Now      time.Time
}

// InRegion reports whether the device is currently inside regionID.
func (c RuntimeContext) InRegion(regionID string) bool {
	_, ok := c.Regions[regionID]
	return ok
}

// Apply folds a runtime event into the context and returns the updated copy.
func (c RuntimeContext) Apply(ev RuntimeEvent) RuntimeContext {
	next := c.Clone()
	if ev.Time.After(next.Now) {
		next.Now = ev.Time
	}
	switch ev.Type {
	case EventAppForeground:
		next.AppState = AppStateForeground
	case EventAppBackground:
		next.AppState = AppStateBackground
	case EventScreenView:
		next.Screen = ev.Screen
	case EventRegionEnter:
		if ev.RegionID != "" {
			next.Regions[ev.RegionID] = struct{}{}
		}
	case EventRegionExit:
		delete(next.Regions, ev.RegionID)
	}
	return next
}

// Clone returns a copy with its own region set.
func (c RuntimeContext) Clone() RuntimeContext {
	regions := make(map[string]struct{}, len(c.Regions))
	for id := range c.Regions {
		regions[id] = struct{}{}
	}
	c.Regions = regions
	return c
}

// DelayCondition gates execution after a schedule has been triggered.
// All set fields must hold at the same time.
type DelayCondition struct {
	Seconds              float64
	Screen               string
	RegionID             string
	AppState             AppState
	CancellationTriggers []*Trigger
}

// IsSatisfied reports whether the delay holds given the elapsed delayed time
// and the current runtime context. A nil condition is always satisfied.
func (d *DelayCondition) IsSatisfied(elapsed time.Duration, rc RuntimeContext) bool {
	if d == nil {
		return true
	}
	if d.Seconds > 0 && elapsed < secondsToDuration(d.Seconds) {
		return false
	}
	if d.Screen != "" && rc.Screen != d.Screen {
		return false
	}
	if d.RegionID != "" && !rc.InRegion(d.RegionID) {
		return false
	}
	switch d.AppState {
	case AppStateForeground, AppStateBackground:
		if rc.AppState != d.AppState {
			return false
		}
	}
	return true
}

// Validate checks the delay definition and its cancellation triggers.
func (d *DelayCondition) Validate() error {
	if d == nil {
		return nil
	}
	if d.Seconds < 0 {
		return invalid("delay.seconds", "must not be negative")
	}
	if !d.AppState.IsValid() {
		return invalid("delay.app_state", "unknown app state %q", d.AppState)
	}
	for _, t := range d.CancellationTriggers {
		if t == nil {
			return invalid("delay.cancellation_triggers", "nil trigger")
		}
		if t.Role != TriggerRoleCancellation {
			return invalid("delay.cancellation_triggers", "trigger %s is not a cancellation trigger", t.ID)
		}
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the delay condition.
func (d *DelayCondition) Clone() *DelayCondition {
	if d == nil {
		return nil
	}
	c := *d
	c.CancellationTriggers = cloneTriggers(d.CancellationTriggers)
	return &c
}

func cloneTriggers(triggers []*Trigger) []*Trigger {
	if triggers == nil {
		return nil
	}
	out := make([]*Trigger, len(triggers))
	for i, t := range triggers {
		out[i] = t.Clone()
	}
	return out
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
