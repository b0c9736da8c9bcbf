// Package persistence stores automation schedules in SQLite or PostgreSQL.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/automata/internal/automation/domain"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/database"
)

// DefaultPageSize is the number of schedules a cursor loads per round trip.
const DefaultPageSize = 100

// deleteChunk bounds the number of bound parameters in one IN clause.
const deleteChunk = 500

// ScheduleRepository implements domain.ScheduleRepository over a
// driver-agnostic connection. Writes join the unit of work in ctx when one
// is present and otherwise run in their own transaction.
type ScheduleRepository struct {
	conn     database.Connection
	pageSize int
}

// NewScheduleRepository creates a new schedule repository.
func NewScheduleRepository(conn database.Connection) *ScheduleRepository {
	return &ScheduleRepository{conn: conn, pageSize: DefaultPageSize}
}

// WithPageSize overrides the cursor page size.
func (r *ScheduleRepository) WithPageSize(n int) *ScheduleRepository {
	if n > 0 {
		r.pageSize = n
	}
	return r
}

func (r *ScheduleRepository) q(query string) string {
	return database.Rebind(r.conn.Driver(), query)
}

// inTx runs fn in the transaction carried by ctx, or in a new one.
func (r *ScheduleRepository) inTx(ctx context.Context, fn func(ex database.Executor) error) error {
	if tx := database.TxFromContext(ctx); tx != nil {
		return fn(tx)
	}
	tx, err := r.conn.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *domain.StorageError
	if errors.As(err, &se) || errors.Is(err, domain.ErrScheduleNotFound) {
		return err
	}
	return domain.NewStorageError(op, err, database.IsCorruption(err))
}

func corrupt(op string, format string, args ...any) error {
	return domain.NewStorageError(op, fmt.Errorf(format, args...), true)
}

const upsertSchedule = `
	INSERT INTO automation_schedules (
		id, priority, group_id, execution_limit, execution_count, start_date, end_date,
		state, payload, max_execution_retries, execution_attempts, execution_failed,
		last_error, retention_seconds, state_changed_at, triggered_at, trigger_context,
		delay_entered_at, delay_elapsed_ms, delay_anchor, created_at, updated_at, version
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	ON CONFLICT (id) DO UPDATE SET
		priority = excluded.priority,
		group_id = excluded.group_id,
		execution_limit = excluded.execution_limit,
		execution_count = excluded.execution_count,
		start_date = excluded.start_date,
		end_date = excluded.end_date,
		state = excluded.state,
		payload = excluded.payload,
		max_execution_retries = excluded.max_execution_retries,
		execution_attempts = excluded.execution_attempts,
		execution_failed = excluded.execution_failed,
		last_error = excluded.last_error,
		retention_seconds = excluded.retention_seconds,
		state_changed_at = excluded.state_changed_at,
		triggered_at = excluded.triggered_at,
		trigger_context = excluded.trigger_context,
		delay_entered_at = excluded.delay_entered_at,
		delay_elapsed_ms = excluded.delay_elapsed_ms,
		delay_anchor = excluded.delay_anchor,
		updated_at = excluded.updated_at,
		version = automation_schedules.version + 1
	RETURNING version`

const insertTrigger = `
	INSERT INTO automation_triggers (
		schedule_id, id, role, position, trigger_type, goal, progress, predicate, last_evaluated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

const insertDelay = `
	INSERT INTO automation_delay_conditions (schedule_id, seconds, screen, region_id, app_state)
	VALUES (?, ?, ?, ?, ?)`

// Upsert inserts or replaces a schedule with its triggers and delay condition.
// Children are rewritten so the stored snapshot always matches s.
func (r *ScheduleRepository) Upsert(ctx context.Context, s *domain.Schedule) error {
	const op = "upsert schedule"
	if s == nil || s.ID == "" {
		return domain.NewStorageError(op, errors.New("schedule id is required"), false)
	}

	args, err := scheduleArgs(s)
	if err != nil {
		return domain.NewStorageError(op, err, false)
	}

	var version int64
	err = r.inTx(ctx, func(ex database.Executor) error {
		if err := ex.QueryRow(ctx, r.q(upsertSchedule), args...).Scan(&version); err != nil {
			return fmt.Errorf("failed to upsert schedule %s: %w", s.ID, err)
		}
		if err := r.writeChildren(ctx, ex, s); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return storageError(op, err)
	}
	s.Version = version
	return nil
}

func (r *ScheduleRepository) writeChildren(ctx context.Context, ex database.Executor, s *domain.Schedule) error {
	if _, err := ex.Exec(ctx, r.q(`DELETE FROM automation_triggers WHERE schedule_id = ?`), s.ID); err != nil {
		return fmt.Errorf("failed to clear triggers of %s: %w", s.ID, err)
	}
	if _, err := ex.Exec(ctx, r.q(`DELETE FROM automation_delay_conditions WHERE schedule_id = ?`), s.ID); err != nil {
		return fmt.Errorf("failed to clear delay of %s: %w", s.ID, err)
	}

	for i, t := range s.Triggers {
		if err := r.insertTrigger(ctx, ex, s.ID, i, domain.TriggerRolePrimary, t); err != nil {
			return err
		}
	}

	if s.Delay == nil {
		return nil
	}
	d := s.Delay
	if _, err := ex.Exec(ctx, r.q(insertDelay), s.ID, d.Seconds, d.Screen, d.RegionID, string(d.AppState)); err != nil {
		return fmt.Errorf("failed to insert delay of %s: %w", s.ID, err)
	}
	for i, t := range d.CancellationTriggers {
		if err := r.insertTrigger(ctx, ex, s.ID, i, domain.TriggerRoleCancellation, t); err != nil {
			return err
		}
	}
	return nil
}

func (r *ScheduleRepository) insertTrigger(ctx context.Context, ex database.Executor, scheduleID string, position int, role domain.TriggerRole, t *domain.Trigger) error {
	var predicate any
	if t.Predicate != nil {
		raw, err := json.Marshal(t.Predicate)
		if err != nil {
			return fmt.Errorf("failed to encode predicate of trigger %s: %w", t.ID, err)
		}
		predicate = string(raw)
	}
	_, err := ex.Exec(ctx, r.q(insertTrigger),
		scheduleID, t.ID, string(role), position, string(t.Type), t.Goal, t.Progress,
		predicate, database.NullMillis(t.LastEvaluatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert trigger %s of %s: %w", t.ID, scheduleID, err)
	}
	return nil
}

func scheduleArgs(s *domain.Schedule) ([]any, error) {
	var payload any
	if s.Payload != nil {
		payload = string(s.Payload)
	}
	var triggerContext any
	if s.TriggerContext != nil {
		raw, err := json.Marshal(s.TriggerContext)
		if err != nil {
			return nil, fmt.Errorf("failed to encode trigger context: %w", err)
		}
		triggerContext = string(raw)
	}
	failed := 0
	if s.ExecutionFailed {
		failed = 1
	}
	createdAt := s.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := s.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	stateChangedAt := s.StateChangedAt
	if stateChangedAt.IsZero() {
		stateChangedAt = createdAt
	}

	return []any{
		s.ID,
		s.Priority,
		s.Group,
		s.ExecutionLimit,
		s.ExecutionCount,
		database.NullMillis(s.StartDate),
		database.NullMillis(s.EndDate),
		string(s.State),
		payload,
		s.MaxExecutionRetries,
		s.ExecutionAttempts,
		failed,
		s.LastError,
		s.RetentionSeconds,
		database.Millis(stateChangedAt),
		database.NullMillis(s.TriggeredAt),
		triggerContext,
		database.NullMillis(s.DelayEnteredAt),
		s.DelayElapsed.Milliseconds(),
		database.NullMillis(s.DelayAnchor),
		database.Millis(createdAt),
		database.Millis(updatedAt),
	}, nil
}

// Get retrieves a schedule by id.
func (r *ScheduleRepository) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	var page []*domain.Schedule
	err := r.inTx(ctx, func(ex database.Executor) error {
		var err error
		page, err = r.loadPage(ctx, ex, domain.ScheduleFilter{IDs: []string{id}}, nil, 1)
		return err
	})
	if err != nil {
		return nil, storageError("get schedule", err)
	}
	if len(page) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, id)
	}
	return page[0], nil
}

// Fetch returns the schedules matching the filter ordered by priority then id.
// The first page is loaded eagerly so storage errors surface here.
func (r *ScheduleRepository) Fetch(ctx context.Context, filter domain.ScheduleFilter) (domain.Cursor, error) {
	for _, st := range filter.States {
		if !st.IsValid() {
			return nil, fmt.Errorf("%w: unknown state %q", domain.ErrInvalidSchedule, st)
		}
	}
	c := &scheduleCursor{repo: r, filter: filter}
	if filter.IDs != nil && len(filter.IDs) == 0 {
		c.exhausted = true
		return c, nil
	}
	if err := c.fill(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// pageKey is the keyset position after the last row of a page.
type pageKey struct {
	priority int
	id       string
}

const selectSchedules = `
	SELECT id, priority, group_id, execution_limit, execution_count, start_date, end_date,
	       state, payload, max_execution_retries, execution_attempts, execution_failed,
	       last_error, retention_seconds, state_changed_at, triggered_at, trigger_context,
	       delay_entered_at, delay_elapsed_ms, delay_anchor, created_at, updated_at, version
	FROM automation_schedules`

func buildWhere(filter domain.ScheduleFilter, after *pageKey) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.IDs) > 0 {
		clauses = append(clauses, "id IN ("+database.Placeholders(len(filter.IDs))+")")
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if len(filter.States) > 0 {
		clauses = append(clauses, "state IN ("+database.Placeholders(len(filter.States))+")")
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}
	if filter.Group != "" {
		clauses = append(clauses, "group_id = ?")
		args = append(args, filter.Group)
	}
	if filter.TerminalBefore != nil {
		clauses = append(clauses, "state IN ("+database.Placeholders(len(domain.TerminalStates))+") AND state_changed_at < ?")
		for _, st := range domain.TerminalStates {
			args = append(args, string(st))
		}
		args = append(args, database.Millis(*filter.TerminalBefore))
	}
	if after != nil {
		clauses = append(clauses, "(priority > ? OR (priority = ? AND id > ?))")
		args = append(args, after.priority, after.priority, after.id)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// loadPage reads up to limit schedules after the key, then their children.
// Rows are drained before the child queries run so a single-connection
// SQLite pool is never asked for a second statement while one is open.
func (r *ScheduleRepository) loadPage(ctx context.Context, ex database.Executor, filter domain.ScheduleFilter, after *pageKey, limit int) ([]*domain.Schedule, error) {
	where, args := buildWhere(filter, after)
	query := selectSchedules + where + " ORDER BY priority, id LIMIT ?"
	args = append(args, limit)

	rows, err := ex.Query(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	var page []*domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		page = append(page, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(page) == 0 {
		return nil, nil
	}
	if err := r.loadChildren(ctx, ex, page); err != nil {
		return nil, err
	}
	return page, nil
}

func scanSchedule(row database.Row) (*domain.Schedule, error) {
	const op = "fetch schedules"
	var (
		s                                    domain.Schedule
		state                                string
		payload, triggerContext              *string
		startDate, endDate                   *int64
		triggeredAt, delayEnteredAt, anchor  *int64
		failed                               int
		stateChangedAt, createdAt, updatedAt int64
		delayElapsedMs                       int64
	)
	err := row.Scan(
		&s.ID, &s.Priority, &s.Group, &s.ExecutionLimit, &s.ExecutionCount, &startDate, &endDate,
		&state, &payload, &s.MaxExecutionRetries, &s.ExecutionAttempts, &failed,
		&s.LastError, &s.RetentionSeconds, &stateChangedAt, &triggeredAt, &triggerContext,
		&delayEnteredAt, &delayElapsedMs, &anchor, &createdAt, &updatedAt, &s.Version,
	)
	if err != nil {
		return nil, err
	}

	s.State = domain.State(state)
	if !s.State.IsValid() {
		return nil, corrupt(op, "schedule %s has unknown state %q", s.ID, state)
	}
	if payload != nil {
		s.Payload = json.RawMessage(*payload)
	}
	if triggerContext != nil {
		var ev domain.RuntimeEvent
		if err := json.Unmarshal([]byte(*triggerContext), &ev); err != nil {
			return nil, corrupt(op, "schedule %s has unreadable trigger context: %v", s.ID, err)
		}
		s.TriggerContext = &ev
	}
	s.ExecutionFailed = failed != 0
	s.StartDate = database.FromNullMillis(startDate)
	s.EndDate = database.FromNullMillis(endDate)
	s.StateChangedAt = database.FromMillis(stateChangedAt)
	s.TriggeredAt = database.FromNullMillis(triggeredAt)
	s.DelayEnteredAt = database.FromNullMillis(delayEnteredAt)
	s.DelayElapsed = time.Duration(delayElapsedMs) * time.Millisecond
	s.DelayAnchor = database.FromNullMillis(anchor)
	s.CreatedAt = database.FromMillis(createdAt)
	s.UpdatedAt = database.FromMillis(updatedAt)
	return &s, nil
}

func (r *ScheduleRepository) loadChildren(ctx context.Context, ex database.Executor, page []*domain.Schedule) error {
	const op = "fetch schedules"
	byID := make(map[string]*domain.Schedule, len(page))
	ids := make([]any, 0, len(page))
	for _, s := range page {
		byID[s.ID] = s
		ids = append(ids, s.ID)
	}
	in := database.Placeholders(len(ids))

	rows, err := ex.Query(ctx, r.q(`
		SELECT schedule_id, seconds, screen, region_id, app_state
		FROM automation_delay_conditions
		WHERE schedule_id IN (`+in+`)`), ids...)
	if err != nil {
		return err
	}
	for rows.Next() {
		var (
			scheduleID, appState string
			d                    domain.DelayCondition
		)
		if err := rows.Scan(&scheduleID, &d.Seconds, &d.Screen, &d.RegionID, &appState); err != nil {
			rows.Close()
			return err
		}
		d.AppState = domain.AppState(appState)
		byID[scheduleID].Delay = &d
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	rows, err = ex.Query(ctx, r.q(`
		SELECT schedule_id, id, role, trigger_type, goal, progress, predicate, last_evaluated_at
		FROM automation_triggers
		WHERE schedule_id IN (`+in+`)
		ORDER BY schedule_id, role, position`), ids...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t             domain.Trigger
			role, typ     string
			predicate     *string
			lastEvaluated *int64
		)
		if err := rows.Scan(&t.ScheduleID, &t.ID, &role, &typ, &t.Goal, &t.Progress, &predicate, &lastEvaluated); err != nil {
			return err
		}
		t.Role = domain.TriggerRole(role)
		t.Type = domain.TriggerType(typ)
		t.LastEvaluatedAt = database.FromNullMillis(lastEvaluated)
		if predicate != nil {
			var p domain.Predicate
			if err := json.Unmarshal([]byte(*predicate), &p); err != nil {
				return corrupt(op, "trigger %s of %s has unreadable predicate: %v", t.ID, t.ScheduleID, err)
			}
			t.Predicate = &p
		}

		s := byID[t.ScheduleID]
		switch t.Role {
		case domain.TriggerRolePrimary:
			s.Triggers = append(s.Triggers, &t)
		case domain.TriggerRoleCancellation:
			if s.Delay == nil {
				return corrupt(op, "cancellation trigger %s of %s has no delay condition", t.ID, s.ID)
			}
			s.Delay.CancellationTriggers = append(s.Delay.CancellationTriggers, &t)
		default:
			return corrupt(op, "trigger %s of %s has unknown role %q", t.ID, s.ID, role)
		}
	}
	return rows.Err()
}

// Delete removes schedules and their children by id.
func (r *ScheduleRepository) Delete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted int64
	err := r.inTx(ctx, func(ex database.Executor) error {
		for start := 0; start < len(ids); start += deleteChunk {
			end := min(start+deleteChunk, len(ids))
			chunk := make([]any, 0, end-start)
			for _, id := range ids[start:end] {
				chunk = append(chunk, id)
			}
			in := database.Placeholders(len(chunk))

			if _, err := ex.Exec(ctx, r.q(`DELETE FROM automation_triggers WHERE schedule_id IN (`+in+`)`), chunk...); err != nil {
				return err
			}
			if _, err := ex.Exec(ctx, r.q(`DELETE FROM automation_delay_conditions WHERE schedule_id IN (`+in+`)`), chunk...); err != nil {
				return err
			}
			res, err := ex.Exec(ctx, r.q(`DELETE FROM automation_schedules WHERE id IN (`+in+`)`), chunk...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			deleted += n
		}
		return nil
	})
	if err != nil {
		return 0, storageError("delete schedules", err)
	}
	return deleted, nil
}

// UpdateTriggerProgress persists trigger progress without rewriting the
// schedule. Updates for triggers that no longer exist are ignored.
func (r *ScheduleRepository) UpdateTriggerProgress(ctx context.Context, updates []domain.TriggerProgress) error {
	if len(updates) == 0 {
		return nil
	}
	err := r.inTx(ctx, func(ex database.Executor) error {
		for _, u := range updates {
			_, err := ex.Exec(ctx,
				r.q(`UPDATE automation_triggers SET progress = ?, last_evaluated_at = ? WHERE schedule_id = ? AND id = ?`),
				u.Progress, database.NullMillis(u.LastEvaluatedAt), u.ScheduleID, u.TriggerID)
			if err != nil {
				return fmt.Errorf("failed to update trigger %s of %s: %w", u.TriggerID, u.ScheduleID, err)
			}
		}
		return nil
	})
	return storageError("update trigger progress", err)
}

// scheduleCursor pages through matching schedules with a keyset on
// (priority, id). Each page is read in one transaction so a schedule and its
// children always come from the same snapshot.
type scheduleCursor struct {
	repo   *ScheduleRepository
	filter domain.ScheduleFilter

	page      []*domain.Schedule
	pos       int
	current   *domain.Schedule
	after     *pageKey
	returned  int
	exhausted bool
	closed    bool
	err       error
}

func (c *scheduleCursor) remaining() int {
	if c.filter.Limit <= 0 {
		return c.repo.pageSize
	}
	return min(c.repo.pageSize, c.filter.Limit-c.returned-(len(c.page)-c.pos))
}

func (c *scheduleCursor) fill(ctx context.Context) error {
	limit := c.remaining()
	if limit <= 0 {
		c.exhausted = true
		c.page, c.pos = nil, 0
		return nil
	}

	var page []*domain.Schedule
	err := c.repo.inTx(ctx, func(ex database.Executor) error {
		var err error
		page, err = c.repo.loadPage(ctx, ex, c.filter, c.after, limit)
		return err
	})
	if err != nil {
		return storageError("fetch schedules", err)
	}

	c.page, c.pos = page, 0
	if len(page) < limit {
		c.exhausted = true
	}
	if len(page) > 0 {
		last := page[len(page)-1]
		c.after = &pageKey{priority: last.Priority, id: last.ID}
	}
	return nil
}

// Next advances to the next schedule.
func (c *scheduleCursor) Next(ctx context.Context) bool {
	if c.closed || c.err != nil {
		return false
	}
	if c.filter.Limit > 0 && c.returned >= c.filter.Limit {
		return false
	}
	if c.pos >= len(c.page) {
		if c.exhausted {
			return false
		}
		if err := c.fill(ctx); err != nil {
			c.err = err
			return false
		}
		if len(c.page) == 0 {
			return false
		}
	}
	c.current = c.page[c.pos]
	c.pos++
	c.returned++
	return true
}

// Schedule returns the current schedule.
func (c *scheduleCursor) Schedule() *domain.Schedule {
	return c.current
}

// Err returns the error that stopped iteration, if any.
func (c *scheduleCursor) Err() error {
	return c.err
}

// Close releases the buffered page.
func (c *scheduleCursor) Close() error {
	c.closed = true
	c.page = nil
	c.current = nil
	return nil
}
