package domain

import (
	"time"

	"github.com/google/uuid"
)

// TriggerType represents the kind of event a trigger counts.
type TriggerType string

const (
	TriggerAppForeground    TriggerType = "app_foreground"
	TriggerAppBackground    TriggerType = "app_background"
	TriggerScreenView       TriggerType = "screen_view"
	TriggerRegionEnter      TriggerType = "region_enter"
	TriggerRegionExit       TriggerType = "region_exit"
	TriggerCustomEvent      TriggerType = "custom_event"
	TriggerCustomEventValue TriggerType = "custom_event_value"
	TriggerActiveSession    TriggerType = "active_session"
	TriggerVersionUpdate    TriggerType = "version_update"
)

// IsValid returns true if the trigger type is known.
func (t TriggerType) IsValid() bool {
	switch t {
	case TriggerAppForeground, TriggerAppBackground, TriggerScreenView, TriggerRegionEnter,
		TriggerRegionExit, TriggerCustomEvent, TriggerCustomEventValue, TriggerActiveSession,
		TriggerVersionUpdate:
		return true
	default:
		return false
	}
}

// EventType returns the runtime event type that advances this trigger type.
func (t TriggerType) EventType() EventType {
	switch t {
	case TriggerAppForeground:
		return EventAppForeground
	case TriggerAppBackground:
		return EventAppBackground
	case TriggerScreenView:
		return EventScreenView
	case TriggerRegionEnter:
		return EventRegionEnter
	case TriggerRegionExit:
		return EventRegionExit
	case TriggerCustomEvent, TriggerCustomEventValue:
		return EventCustom
	case TriggerVersionUpdate:
		return EventVersionUpdate
	default:
		return ""
	}
}

// TriggerRole tags whether a trigger advances or cancels its schedule.
type TriggerRole string

const (
	TriggerRolePrimary      TriggerRole = "primary"
	TriggerRoleCancellation TriggerRole = "cancellation"
)

// Trigger accumulates weighted event occurrences toward a goal.
type Trigger struct {
	ID         string
	ScheduleID string
	Role       TriggerRole
	Type       TriggerType
	Goal       float64
	Progress   float64
	Predicate  *Predicate

	// LastEvaluatedAt anchors elapsed-time accumulation for active session triggers.
	LastEvaluatedAt *time.Time
}

// NewTrigger creates a primary trigger.
func NewTrigger(triggerType TriggerType, goal float64, predicate *Predicate) *Trigger {
	return &Trigger{
		ID:        uuid.New().String(),
		Role:      TriggerRolePrimary,
		Type:      triggerType,
		Goal:      goal,
		Predicate: predicate,
	}
}

// NewCancellationTrigger creates a cancellation trigger.
func NewCancellationTrigger(triggerType TriggerType, goal float64, predicate *Predicate) *Trigger {
	t := NewTrigger(triggerType, goal, predicate)
	t.Role = TriggerRoleCancellation
	return t
}

// TriggerFireResult is emitted when a trigger reaches its goal.
type TriggerFireResult struct {
	ScheduleID string
	TriggerID  string
	Role       TriggerRole
	FiredAt    time.Time
	Context    RuntimeEvent
}

// EvaluationOptions tunes trigger and delay evaluation.
type EvaluationOptions struct {
	// MaxSessionDelta clamps the elapsed time credited to active session triggers
	// by a single event. Zero disables clamping.
	MaxSessionDelta time.Duration

	// MaxDelayDwell force-expires a schedule that stays delayed longer than this.
	// Zero disables the timeout.
	MaxDelayDwell time.Duration
}

// OnEvent offers an event to the trigger. It returns a fire result when the goal
// is reached and reports whether any persisted field changed.
func (t *Trigger) OnEvent(ev RuntimeEvent, rc RuntimeContext, opts EvaluationOptions) (*TriggerFireResult, bool) {
	var weight float64

	if t.Type == TriggerActiveSession {
		var anchorChanged bool
		weight, anchorChanged = t.sessionDelta(ev, rc, opts)
		if weight <= 0 {
			return nil, anchorChanged
		}
	} else {
		if ev.Type != t.Type.EventType() || !t.Predicate.Matches(ev) {
			return nil, false
		}
		weight = 1
		if t.Type == TriggerCustomEventValue {
			weight = ev.Value
		}
		if weight <= 0 {
			return nil, false
		}
	}

	t.Progress += weight
	if t.Progress < t.Goal {
		return nil, true
	}

	t.Progress = 0
	return &TriggerFireResult{
		ScheduleID: t.ScheduleID,
		TriggerID:  t.ID,
		Role:       t.Role,
		FiredAt:    ev.Time,
		Context:    ev.Snapshot(),
	}, true
}

// Reset clears accumulated progress.
func (t *Trigger) Reset() {
	t.Progress = 0
	t.LastEvaluatedAt = nil
}

// sessionDelta computes the foreground seconds credited by ev. Background
// transitions close the session so suspended time is never counted.
func (t *Trigger) sessionDelta(ev RuntimeEvent, rc RuntimeContext, opts EvaluationOptions) (float64, bool) {
	var delta float64
	var changed bool

	if t.LastEvaluatedAt != nil && ev.Time.After(*t.LastEvaluatedAt) {
		d := ev.Time.Sub(*t.LastEvaluatedAt)
		if opts.MaxSessionDelta > 0 && d > opts.MaxSessionDelta {
			d = opts.MaxSessionDelta
		}
		delta = d.Seconds()
	}

	switch {
	case rc.AppState != AppStateForeground:
		if t.LastEvaluatedAt != nil {
			t.LastEvaluatedAt = nil
			changed = true
		}
	case t.LastEvaluatedAt == nil || ev.Time.After(*t.LastEvaluatedAt):
		at := ev.Time
		t.LastEvaluatedAt = &at
		changed = true
	}
	return delta, changed
}

// Validate checks the trigger definition.
func (t *Trigger) Validate() error {
	if t.ID == "" {
		return invalid("trigger.id", "is required")
	}
	if !t.Type.IsValid() {
		return invalid("trigger.type", "unknown trigger type %q", t.Type)
	}
	if t.Role != TriggerRolePrimary && t.Role != TriggerRoleCancellation {
		return invalid("trigger.role", "unknown trigger role %q", t.Role)
	}
	if t.Goal <= 0 {
		return invalid("trigger.goal", "must be positive, got %v", t.Goal)
	}
	if t.Progress < 0 {
		return invalid("trigger.progress", "must not be negative")
	}
	if t.Type == TriggerActiveSession && t.Predicate != nil {
		return invalid("trigger.predicate", "active session triggers do not accept predicates")
	}
	if err := t.Predicate.Validate(); err != nil {
		return invalid("trigger.predicate", "%v", err)
	}
	return nil
}

// Clone returns a deep copy of the trigger.
func (t *Trigger) Clone() *Trigger {
	c := *t
	if t.LastEvaluatedAt != nil {
		at := *t.LastEvaluatedAt
		c.LastEvaluatedAt = &at
	}
	return &c
}
