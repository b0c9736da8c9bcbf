package queries

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/automata/internal/automation/domain"
	sharedApplication "github.com/felixgeelhaar/automata/internal/shared/application"
)

var (
	_ sharedApplication.QueryHandler[GetScheduleQuery, *ScheduleDTO]    = (*GetScheduleHandler)(nil)
	_ sharedApplication.QueryHandler[ListSchedulesQuery, []ScheduleDTO] = (*ListSchedulesHandler)(nil)
)

// mockReader is a mock implementation of ScheduleReader.
type mockReader struct {
	mock.Mock
}

func (m *mockReader) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Schedule), args.Error(1)
}

func (m *mockReader) List(ctx context.Context, filter domain.ScheduleFilter) ([]*domain.Schedule, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Schedule), args.Error(1)
}

func sampleSchedule() *domain.Schedule {
	s := domain.NewSchedule("welcome", 2, json.RawMessage(`{"m":1}`),
		domain.NewTrigger(domain.TriggerCustomEvent, 3, domain.Eq("name", "x")))
	s.Group = "onboarding"
	s.SetDelay(&domain.DelayCondition{
		Seconds:  30,
		AppState: domain.AppStateForeground,
		CancellationTriggers: []*domain.Trigger{
			domain.NewCancellationTrigger(domain.TriggerRegionExit, 1, nil),
		},
	})
	s.Triggers[0].Progress = 2
	s.DelayElapsed = 12 * time.Second
	s.Version = 4
	return s
}

func TestGetScheduleHandler(t *testing.T) {
	reader := new(mockReader)
	reader.On("Get", mock.Anything, "welcome").Return(sampleSchedule(), nil)

	dto, err := NewGetScheduleHandler(reader).Handle(context.Background(), GetScheduleQuery{ScheduleID: "welcome"})
	require.NoError(t, err)
	assert.Equal(t, "welcome", dto.ID)
	assert.Equal(t, "idle", dto.State)
	assert.Equal(t, "onboarding", dto.Group)
	assert.Equal(t, int64(4), dto.Version)
	assert.Equal(t, 12.0, dto.DelayElapsedSeconds)
	require.Len(t, dto.Triggers, 1)
	assert.Equal(t, 2.0, dto.Triggers[0].Progress)
	require.NotNil(t, dto.Delay)
	assert.Equal(t, "foreground", dto.Delay.AppState)
	assert.Len(t, dto.Delay.CancellationTriggers, 1)
}

func TestGetScheduleHandler_NotFound(t *testing.T) {
	reader := new(mockReader)
	reader.On("Get", mock.Anything, "missing").Return(nil, domain.ErrScheduleNotFound)

	_, err := NewGetScheduleHandler(reader).Handle(context.Background(), GetScheduleQuery{ScheduleID: "missing"})
	assert.ErrorIs(t, err, domain.ErrScheduleNotFound)
}

func TestListSchedulesHandler(t *testing.T) {
	tests := []struct {
		name   string
		query  ListSchedulesQuery
		filter domain.ScheduleFilter
	}{
		{
			name:   "explicit states",
			query:  ListSchedulesQuery{States: []string{"delayed"}, Group: "g", Limit: 5},
			filter: domain.ScheduleFilter{States: []domain.State{domain.StateDelayed}, Group: "g", Limit: 5},
		},
		{
			name:   "active only",
			query:  ListSchedulesQuery{ActiveOnly: true},
			filter: domain.ScheduleFilter{States: domain.ActiveStates},
		},
		{
			name:   "everything",
			query:  ListSchedulesQuery{},
			filter: domain.ScheduleFilter{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := new(mockReader)
			reader.On("List", mock.Anything, tt.filter).Return([]*domain.Schedule{sampleSchedule()}, nil)

			dtos, err := NewListSchedulesHandler(reader).Handle(context.Background(), tt.query)
			require.NoError(t, err)
			require.Len(t, dtos, 1)
			assert.Equal(t, "welcome", dtos[0].ID)
			reader.AssertExpectations(t)
		})
	}
}

func TestScheduleDTO_JSON(t *testing.T) {
	data, err := json.Marshal(ToDTO(sampleSchedule()))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "welcome", decoded["id"])
	assert.Equal(t, map[string]any{"m": float64(1)}, decoded["payload"])
	assert.NotContains(t, decoded, "end_date")
}
