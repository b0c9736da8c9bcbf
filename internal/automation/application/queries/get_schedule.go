package queries

import (
	"context"

	"github.com/felixgeelhaar/automata/internal/automation/domain"
)

// ScheduleReader reads committed schedule snapshots.
type ScheduleReader interface {
	Get(ctx context.Context, id string) (*domain.Schedule, error)
	List(ctx context.Context, filter domain.ScheduleFilter) ([]*domain.Schedule, error)
}

// GetScheduleQuery contains the parameters for getting a single schedule.
type GetScheduleQuery struct {
	ScheduleID string
}

// QueryName implements application.Query.
func (GetScheduleQuery) QueryName() string { return "automation.schedule.get" }

// GetScheduleHandler handles the GetScheduleQuery.
type GetScheduleHandler struct {
	reader ScheduleReader
}

// NewGetScheduleHandler creates a new GetScheduleHandler.
func NewGetScheduleHandler(reader ScheduleReader) *GetScheduleHandler {
	return &GetScheduleHandler{reader: reader}
}

// Handle executes the GetScheduleQuery.
func (h *GetScheduleHandler) Handle(ctx context.Context, query GetScheduleQuery) (*ScheduleDTO, error) {
	s, err := h.reader.Get(ctx, query.ScheduleID)
	if err != nil {
		return nil, err
	}
	dto := ToDTO(s)
	return &dto, nil
}
