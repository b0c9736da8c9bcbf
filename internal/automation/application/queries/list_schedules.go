package queries

import (
	"context"

	"github.com/felixgeelhaar/automata/internal/automation/domain"
)

// ListSchedulesQuery contains the filters for listing schedules.
type ListSchedulesQuery struct {
	States     []string
	Group      string
	ActiveOnly bool
	Limit      int
}

// QueryName implements application.Query.
func (ListSchedulesQuery) QueryName() string { return "automation.schedule.list" }

// ListSchedulesHandler handles the ListSchedulesQuery.
type ListSchedulesHandler struct {
	reader ScheduleReader
}

// NewListSchedulesHandler creates a new ListSchedulesHandler.
func NewListSchedulesHandler(reader ScheduleReader) *ListSchedulesHandler {
	return &ListSchedulesHandler{reader: reader}
}

// Handle executes the ListSchedulesQuery. Schedules are ordered by priority, then id.
func (h *ListSchedulesHandler) Handle(ctx context.Context, query ListSchedulesQuery) ([]ScheduleDTO, error) {
	filter := domain.ScheduleFilter{Group: query.Group, Limit: query.Limit}
	for _, s := range query.States {
		filter.States = append(filter.States, domain.State(s))
	}
	if query.ActiveOnly && len(filter.States) == 0 {
		filter.States = domain.ActiveStates
	}

	schedules, err := h.reader.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	dtos := make([]ScheduleDTO, 0, len(schedules))
	for _, s := range schedules {
		dtos = append(dtos, ToDTO(s))
	}
	return dtos, nil
}
