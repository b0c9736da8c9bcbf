package domain

import (
	"time"

	sharedDomain "github.com/felixgeelhaar/automata/internal/shared/domain"
	"github.com/google/uuid"
)

const (
	// AggregateType is the outbox aggregate type of schedules.
	AggregateType = "Schedule"

	// RoutingKeyPrefix prefixes lifecycle routing keys; the target state is appended.
	RoutingKeyPrefix = "automation.schedule."
)

// scheduleNamespace derives stable aggregate ids from string schedule ids.
var scheduleNamespace = uuid.MustParse("6f1c8f0e-3d7b-4a51-9a2e-5b0c7d4e8a21")

// AggregateID maps a schedule id onto the uuid space used by domain events.
func AggregateID(scheduleID string) uuid.UUID {
	return uuid.NewSHA1(scheduleNamespace, []byte(scheduleID))
}

// ScheduleStateChanged is emitted for every committed lifecycle transition.
type ScheduleStateChanged struct {
	sharedDomain.BaseEvent
	ScheduleID     string           `json:"schedule_id"`
	Group          string           `json:"group,omitempty"`
	From           State            `json:"from"`
	To             State            `json:"to"`
	Reason         TransitionReason `json:"reason"`
	TriggerID      string           `json:"trigger_id,omitempty"`
	ExecutionCount int              `json:"execution_count"`
	At             time.Time        `json:"at"`
}

// NewScheduleStateChanged builds the domain event for a transition of s.
func NewScheduleStateChanged(s *Schedule, tr Transition) *ScheduleStateChanged {
	return &ScheduleStateChanged{
		BaseEvent:      sharedDomain.NewBaseEventAt(AggregateID(s.ID), AggregateType, RoutingKeyPrefix+string(tr.To), tr.At),
		ScheduleID:     s.ID,
		Group:          s.Group,
		From:           tr.From,
		To:             tr.To,
		Reason:         tr.Reason,
		TriggerID:      tr.TriggerID,
		ExecutionCount: s.ExecutionCount,
		At:             tr.At,
	}
}

// StateChangedEvents converts an outcome's transitions into domain events.
func StateChangedEvents(s *Schedule, out Outcome) []sharedDomain.DomainEvent {
	if len(out.Transitions) == 0 {
		return nil
	}
	events := make([]sharedDomain.DomainEvent, 0, len(out.Transitions))
	for _, tr := range out.Transitions {
		events = append(events, NewScheduleStateChanged(s, tr))
	}
	return events
}
