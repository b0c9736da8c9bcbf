// Package application contains the automation scheduling application layer.
package application

import (
	"context"

	"github.com/felixgeelhaar/automata/internal/automation/application/commands"
	"github.com/felixgeelhaar/automata/internal/automation/application/queries"
)

// Core is the scheduling core the service fronts.
type Core interface {
	commands.Coordinator
	queries.ScheduleReader
}

// Service provides a facade for schedule operations.
type Service struct {
	// Command handlers
	createScheduleHandler *commands.CreateScheduleHandler
	cancelScheduleHandler *commands.CancelScheduleHandler
	cancelGroupHandler    *commands.CancelGroupHandler
	editScheduleHandler   *commands.EditScheduleHandler
	processEventHandler   *commands.ProcessEventHandler

	// Query handlers
	getScheduleHandler   *queries.GetScheduleHandler
	listSchedulesHandler *queries.ListSchedulesHandler
}

// NewService creates a new automation service.
func NewService(core Core) *Service {
	return &Service{
		createScheduleHandler: commands.NewCreateScheduleHandler(core),
		cancelScheduleHandler: commands.NewCancelScheduleHandler(core),
		cancelGroupHandler:    commands.NewCancelGroupHandler(core),
		editScheduleHandler:   commands.NewEditScheduleHandler(core),
		processEventHandler:   commands.NewProcessEventHandler(core),

		getScheduleHandler:   queries.NewGetScheduleHandler(core),
		listSchedulesHandler: queries.NewListSchedulesHandler(core),
	}
}

// CreateSchedule registers a new schedule.
func (s *Service) CreateSchedule(ctx context.Context, cmd commands.CreateScheduleCommand) (*commands.ScheduleResult, error) {
	return s.createScheduleHandler.Handle(ctx, cmd)
}

// CancelSchedule cancels a schedule.
func (s *Service) CancelSchedule(ctx context.Context, cmd commands.CancelScheduleCommand) (*commands.ScheduleResult, error) {
	return s.cancelScheduleHandler.Handle(ctx, cmd)
}

// CancelGroup cancels every active schedule in a group.
func (s *Service) CancelGroup(ctx context.Context, cmd commands.CancelGroupCommand) (int, error) {
	return s.cancelGroupHandler.Handle(ctx, cmd)
}

// EditSchedule changes a schedule definition.
func (s *Service) EditSchedule(ctx context.Context, cmd commands.EditScheduleCommand) (*commands.ScheduleResult, error) {
	return s.editScheduleHandler.Handle(ctx, cmd)
}

// ProcessEvent feeds a runtime event into the core.
func (s *Service) ProcessEvent(ctx context.Context, cmd commands.ProcessEventCommand) error {
	return s.processEventHandler.Handle(ctx, cmd)
}

// GetSchedule retrieves a single schedule.
func (s *Service) GetSchedule(ctx context.Context, q queries.GetScheduleQuery) (*queries.ScheduleDTO, error) {
	return s.getScheduleHandler.Handle(ctx, q)
}

// ListSchedules retrieves schedules matching the query.
func (s *Service) ListSchedules(ctx context.Context, q queries.ListSchedulesQuery) ([]queries.ScheduleDTO, error) {
	return s.listSchedulesHandler.Handle(ctx, q)
}
