package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/felixgeelhaar/automata/internal/automation/domain"
)

// Coordinator is the part of the scheduling core commands drive.
type Coordinator interface {
	Schedule(ctx context.Context, s *domain.Schedule) (*domain.Schedule, error)
	CancelSchedule(ctx context.Context, id string) (*domain.Schedule, error)
	CancelGroup(ctx context.Context, group string) (int, error)
	EditSchedule(ctx context.Context, id string, mutate domain.EditFunc) (*domain.Schedule, error)
	OnRuntimeEvent(ctx context.Context, ev domain.RuntimeEvent) error
}

// ScheduleResult reports the schedule a command acted on.
type ScheduleResult struct {
	ScheduleID string
	State      domain.State
	Version    int64
}

func resultFor(s *domain.Schedule) *ScheduleResult {
	return &ScheduleResult{ScheduleID: s.ID, State: s.State, Version: s.Version}
}

// CreateScheduleCommand registers a new schedule.
type CreateScheduleCommand struct {
	Definition ScheduleDefinition
}

// CommandName implements application.Command.
func (CreateScheduleCommand) CommandName() string { return "automation.schedule.create" }

// CreateScheduleHandler handles CreateScheduleCommand.
type CreateScheduleHandler struct {
	coordinator Coordinator
}

// NewCreateScheduleHandler creates a new CreateScheduleHandler.
func NewCreateScheduleHandler(coordinator Coordinator) *CreateScheduleHandler {
	return &CreateScheduleHandler{coordinator: coordinator}
}

// Handle executes the CreateScheduleCommand.
func (h *CreateScheduleHandler) Handle(ctx context.Context, cmd CreateScheduleCommand) (*ScheduleResult, error) {
	s, err := h.coordinator.Schedule(ctx, cmd.Definition.ToSchedule())
	if err != nil {
		return nil, err
	}
	return resultFor(s), nil
}

// CancelScheduleCommand cancels one schedule.
type CancelScheduleCommand struct {
	ScheduleID string
}

// CommandName implements application.Command.
func (CancelScheduleCommand) CommandName() string { return "automation.schedule.cancel" }

// CancelScheduleHandler handles CancelScheduleCommand.
type CancelScheduleHandler struct {
	coordinator Coordinator
}

// NewCancelScheduleHandler creates a new CancelScheduleHandler.
func NewCancelScheduleHandler(coordinator Coordinator) *CancelScheduleHandler {
	return &CancelScheduleHandler{coordinator: coordinator}
}

// Handle executes the CancelScheduleCommand.
func (h *CancelScheduleHandler) Handle(ctx context.Context, cmd CancelScheduleCommand) (*ScheduleResult, error) {
	s, err := h.coordinator.CancelSchedule(ctx, cmd.ScheduleID)
	if err != nil {
		return nil, err
	}
	return resultFor(s), nil
}

// CancelGroupCommand cancels every active schedule in a group.
type CancelGroupCommand struct {
	Group string
}

// CommandName implements application.Command.
func (CancelGroupCommand) CommandName() string { return "automation.schedule.cancel_group" }

// CancelGroupHandler handles CancelGroupCommand.
type CancelGroupHandler struct {
	coordinator Coordinator
}

// NewCancelGroupHandler creates a new CancelGroupHandler.
func NewCancelGroupHandler(coordinator Coordinator) *CancelGroupHandler {
	return &CancelGroupHandler{coordinator: coordinator}
}

// Handle executes the CancelGroupCommand and returns the number of cancelled schedules.
func (h *CancelGroupHandler) Handle(ctx context.Context, cmd CancelGroupCommand) (int, error) {
	return h.coordinator.CancelGroup(ctx, cmd.Group)
}

// EditScheduleCommand changes the definition of a schedule. Nil fields are
// left unchanged.
type EditScheduleCommand struct {
	ScheduleID          string
	ExecutionLimit      *int
	Priority            *int
	Group               *string
	StartDate           *time.Time
	EndDate             *time.Time
	ClearEndDate        bool
	Payload             json.RawMessage
	MaxExecutionRetries *int
	RetentionSeconds    *int64
	Delay               *DelayDefinition
	ClearDelay          bool
	Triggers            []TriggerDefinition
}

// CommandName implements application.Command.
func (EditScheduleCommand) CommandName() string { return "automation.schedule.edit" }

func (cmd EditScheduleCommand) apply(s *domain.Schedule) error {
	if cmd.ClearEndDate && cmd.EndDate != nil {
		return fmt.Errorf("%w: end date set and cleared in one edit", domain.ErrInvalidSchedule)
	}
	if cmd.ClearDelay && cmd.Delay != nil {
		return fmt.Errorf("%w: delay set and cleared in one edit", domain.ErrInvalidSchedule)
	}
	if cmd.ExecutionLimit != nil {
		s.ExecutionLimit = *cmd.ExecutionLimit
	}
	if cmd.Priority != nil {
		s.Priority = *cmd.Priority
	}
	if cmd.Group != nil {
		s.Group = *cmd.Group
	}
	if cmd.StartDate != nil {
		s.StartDate = cmd.StartDate
	}
	if cmd.EndDate != nil {
		s.EndDate = cmd.EndDate
	}
	if cmd.ClearEndDate {
		s.EndDate = nil
	}
	if cmd.Payload != nil {
		s.Payload = cmd.Payload
	}
	if cmd.MaxExecutionRetries != nil {
		s.MaxExecutionRetries = *cmd.MaxExecutionRetries
	}
	if cmd.RetentionSeconds != nil {
		s.RetentionSeconds = *cmd.RetentionSeconds
	}
	if cmd.Delay != nil {
		s.Delay = cmd.Delay.toDelay()
	}
	if cmd.ClearDelay {
		s.Delay = nil
	}
	if cmd.Triggers != nil {
		s.Triggers = make([]*domain.Trigger, 0, len(cmd.Triggers))
		for _, t := range cmd.Triggers {
			s.Triggers = append(s.Triggers, t.toTrigger(domain.TriggerRolePrimary))
		}
	}
	return nil
}

// EditScheduleHandler handles EditScheduleCommand.
type EditScheduleHandler struct {
	coordinator Coordinator
}

// NewEditScheduleHandler creates a new EditScheduleHandler.
func NewEditScheduleHandler(coordinator Coordinator) *EditScheduleHandler {
	return &EditScheduleHandler{coordinator: coordinator}
}

// Handle executes the EditScheduleCommand.
func (h *EditScheduleHandler) Handle(ctx context.Context, cmd EditScheduleCommand) (*ScheduleResult, error) {
	s, err := h.coordinator.EditSchedule(ctx, cmd.ScheduleID, cmd.apply)
	if err != nil {
		return nil, err
	}
	return resultFor(s), nil
}

// ProcessEventCommand feeds a runtime event into the scheduling core.
type ProcessEventCommand struct {
	Event domain.RuntimeEvent
}

// CommandName implements application.Command.
func (ProcessEventCommand) CommandName() string { return "automation.event.process" }

// ProcessEventHandler handles ProcessEventCommand.
type ProcessEventHandler struct {
	coordinator Coordinator
}

// NewProcessEventHandler creates a new ProcessEventHandler.
func NewProcessEventHandler(coordinator Coordinator) *ProcessEventHandler {
	return &ProcessEventHandler{coordinator: coordinator}
}

// Handle executes the ProcessEventCommand.
func (h *ProcessEventHandler) Handle(ctx context.Context, cmd ProcessEventCommand) error {
	return h.coordinator.OnRuntimeEvent(ctx, cmd.Event)
}
