package queries

import (
	"encoding/json"
	"time"

	"github.com/felixgeelhaar/automata/internal/automation/domain"
)

// ScheduleDTO is the read model of a schedule.
type ScheduleDTO struct {
	ID                  string          `json:"id"`
	State               string          `json:"state"`
	Priority            int             `json:"priority"`
	Group               string          `json:"group,omitempty"`
	ExecutionLimit      int             `json:"execution_limit"`
	ExecutionCount      int             `json:"execution_count"`
	StartDate           *time.Time      `json:"start_date,omitempty"`
	EndDate             *time.Time      `json:"end_date,omitempty"`
	Payload             json.RawMessage `json:"payload,omitempty"`
	Triggers            []TriggerDTO    `json:"triggers"`
	Delay               *DelayDTO       `json:"delay,omitempty"`
	MaxExecutionRetries int             `json:"max_execution_retries,omitempty"`
	ExecutionAttempts   int             `json:"execution_attempts,omitempty"`
	ExecutionFailed     bool            `json:"execution_failed,omitempty"`
	LastError           string          `json:"last_error,omitempty"`
	RetentionSeconds    int64           `json:"retention_seconds,omitempty"`
	StateChangedAt      time.Time       `json:"state_changed_at"`
	TriggeredAt         *time.Time      `json:"triggered_at,omitempty"`
	DelayElapsedSeconds float64         `json:"delay_elapsed_seconds,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	Version             int64           `json:"version"`
}

// TriggerDTO is the read model of a trigger.
type TriggerDTO struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Goal      float64           `json:"goal"`
	Progress  float64           `json:"progress"`
	Predicate *domain.Predicate `json:"predicate,omitempty"`
}

// DelayDTO is the read model of a delay condition.
type DelayDTO struct {
	Seconds              float64      `json:"seconds,omitempty"`
	Screen               string       `json:"screen,omitempty"`
	RegionID             string       `json:"region_id,omitempty"`
	AppState             string       `json:"app_state,omitempty"`
	CancellationTriggers []TriggerDTO `json:"cancellation_triggers,omitempty"`
}

// ToDTO converts a schedule into its read model.
func ToDTO(s *domain.Schedule) ScheduleDTO {
	dto := ScheduleDTO{
		ID:                  s.ID,
		State:               string(s.State),
		Priority:            s.Priority,
		Group:               s.Group,
		ExecutionLimit:      s.ExecutionLimit,
		ExecutionCount:      s.ExecutionCount,
		StartDate:           s.StartDate,
		EndDate:             s.EndDate,
		Payload:             s.Payload,
		Triggers:            triggerDTOs(s.Triggers),
		MaxExecutionRetries: s.MaxExecutionRetries,
		ExecutionAttempts:   s.ExecutionAttempts,
		ExecutionFailed:     s.ExecutionFailed,
		LastError:           s.LastError,
		RetentionSeconds:    s.RetentionSeconds,
		StateChangedAt:      s.StateChangedAt,
		TriggeredAt:         s.TriggeredAt,
		DelayElapsedSeconds: s.DelayElapsed.Seconds(),
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
		Version:             s.Version,
	}
	if d := s.Delay; d != nil {
		dto.Delay = &DelayDTO{
			Seconds:              d.Seconds,
			Screen:               d.Screen,
			RegionID:             d.RegionID,
			AppState:             string(d.AppState),
			CancellationTriggers: triggerDTOs(d.CancellationTriggers),
		}
	}
	return dto
}

func triggerDTOs(triggers []*domain.Trigger) []TriggerDTO {
	out := make([]TriggerDTO, 0, len(triggers))
	for _, t := range triggers {
		out = append(out, TriggerDTO{
			ID:        t.ID,
			Type:      string(t.Type),
			Goal:      t.Goal,
			Progress:  t.Progress,
			Predicate: t.Predicate,
		})
	}
	return out
}
