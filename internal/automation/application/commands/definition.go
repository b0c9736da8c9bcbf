package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/felixgeelhaar/automata/internal/automation/domain"
)

// ScheduleDefinition is the authored form of a schedule, as accepted by the
// CLI and the runtime API.
type ScheduleDefinition struct {
	ID                  string              `json:"id,omitempty"`
	Priority            int                 `json:"priority,omitempty"`
	Group               string              `json:"group,omitempty"`
	ExecutionLimit      int                 `json:"execution_limit"`
	StartDate           *time.Time          `json:"start_date,omitempty"`
	EndDate             *time.Time          `json:"end_date,omitempty"`
	Payload             json.RawMessage     `json:"payload,omitempty"`
	Triggers            []TriggerDefinition `json:"triggers"`
	Delay               *DelayDefinition    `json:"delay,omitempty"`
	MaxExecutionRetries int                 `json:"max_execution_retries,omitempty"`
	RetentionSeconds    int64               `json:"retention_seconds,omitempty"`
}

// TriggerDefinition is the authored form of a trigger.
type TriggerDefinition struct {
	ID        string            `json:"id,omitempty"`
	Type      string            `json:"type"`
	Goal      float64           `json:"goal"`
	Predicate *domain.Predicate `json:"predicate,omitempty"`
}

// DelayDefinition is the authored form of a delay condition.
type DelayDefinition struct {
	Seconds              float64             `json:"seconds,omitempty"`
	Screen               string              `json:"screen,omitempty"`
	RegionID             string              `json:"region_id,omitempty"`
	AppState             string              `json:"app_state,omitempty"`
	CancellationTriggers []TriggerDefinition `json:"cancellation_triggers,omitempty"`
}

// DecodeDefinition reads a JSON schedule definition. Unknown fields are rejected.
func DecodeDefinition(r io.Reader) (ScheduleDefinition, error) {
	var def ScheduleDefinition
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return def, fmt.Errorf("%w: %v", domain.ErrInvalidSchedule, err)
	}
	return def, nil
}

// ToSchedule builds an unvalidated schedule from the definition.
func (d ScheduleDefinition) ToSchedule() *domain.Schedule {
	triggers := make([]*domain.Trigger, 0, len(d.Triggers))
	for _, t := range d.Triggers {
		triggers = append(triggers, t.toTrigger(domain.TriggerRolePrimary))
	}

	s := domain.NewSchedule(d.ID, d.ExecutionLimit, d.Payload, triggers...)
	if d.ID == "" {
		s.ID = ""
	}
	s.Priority = d.Priority
	s.Group = d.Group
	s.StartDate = d.StartDate
	s.EndDate = d.EndDate
	s.MaxExecutionRetries = d.MaxExecutionRetries
	s.RetentionSeconds = d.RetentionSeconds
	if d.Delay != nil {
		s.SetDelay(d.Delay.toDelay())
	}
	return s
}

func (t TriggerDefinition) toTrigger(role domain.TriggerRole) *domain.Trigger {
	var trigger *domain.Trigger
	if role == domain.TriggerRoleCancellation {
		trigger = domain.NewCancellationTrigger(domain.TriggerType(t.Type), t.Goal, t.Predicate)
	} else {
		trigger = domain.NewTrigger(domain.TriggerType(t.Type), t.Goal, t.Predicate)
	}
	if t.ID != "" {
		trigger.ID = t.ID
	}
	return trigger
}

func (d DelayDefinition) toDelay() *domain.DelayCondition {
	delay := &domain.DelayCondition{
		Seconds:  d.Seconds,
		Screen:   d.Screen,
		RegionID: d.RegionID,
		AppState: domain.AppState(d.AppState),
	}
	for _, t := range d.CancellationTriggers {
		delay.CancellationTriggers = append(delay.CancellationTriggers, t.toTrigger(domain.TriggerRoleCancellation))
	}
	return delay
}
