package domain

import (
	"context"
	"time"
)

// ScheduleFilter specifies criteria for fetching schedules.
type ScheduleFilter struct {
	IDs    []string
	States []State
	Group  string

	// TerminalBefore matches terminal schedules whose state changed before this time.
	TerminalBefore *time.Time

	Limit int
}

// Active returns a filter matching every non-terminal schedule.
func Active() ScheduleFilter {
	return ScheduleFilter{States: ActiveStates}
}

// Cursor is a lazy, finite, single-pass sequence of schedules.
type Cursor interface {
	// Next advances to the next schedule. It returns false when the sequence
	// is exhausted or an error occurred.
	Next(ctx context.Context) bool

	// Schedule returns the current schedule.
	Schedule() *Schedule

	// Err returns the error that stopped iteration, if any.
	Err() error

	// Close releases resources held by the cursor.
	Close() error
}

// TriggerProgress is a progress-only write for a single trigger.
type TriggerProgress struct {
	ScheduleID      string
	TriggerID       string
	Progress        float64
	LastEvaluatedAt *time.Time
}

// ScheduleRepository is the durable store for schedules and their children.
// Every method reads or writes a schedule together with its triggers and
// delay condition as one snapshot.
type ScheduleRepository interface {
	// Upsert inserts or replaces a schedule with its triggers and delay condition.
	Upsert(ctx context.Context, s *Schedule) error

	// Get retrieves a schedule by id.
	Get(ctx context.Context, id string) (*Schedule, error)

	// Fetch returns the schedules matching the filter ordered by priority then id.
	Fetch(ctx context.Context, filter ScheduleFilter) (Cursor, error)

	// Delete removes schedules and their children by id.
	Delete(ctx context.Context, ids []string) (int64, error)

	// UpdateTriggerProgress persists trigger progress without rewriting the schedule.
	UpdateTriggerProgress(ctx context.Context, updates []TriggerProgress) error
}

// Collect drains a cursor into a slice and closes it.
func Collect(ctx context.Context, c Cursor) ([]*Schedule, error) {
	defer c.Close()
	var out []*Schedule
	for c.Next(ctx) {
		out = append(out, c.Schedule())
	}
	return out, c.Err()
}
