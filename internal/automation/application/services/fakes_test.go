package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/automata/internal/automation/domain"
	"github.com/felixgeelhaar/automata/internal/automation/infrastructure/locks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockScheduleRepo is an in-memory ScheduleRepository with failure injection.
type mockScheduleRepo struct {
	mu        sync.Mutex
	schedules map[string]*domain.Schedule

	// upsertErrs are returned by successive Upsert calls before succeeding.
	upsertErrs []error
	upserts    int
	progress   int
	deleted    []string
}

func newMockScheduleRepo() *mockScheduleRepo {
	return &mockScheduleRepo{schedules: make(map[string]*domain.Schedule)}
}

func (r *mockScheduleRepo) failUpserts(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertErrs = append(r.upsertErrs, errs...)
}

func (r *mockScheduleRepo) put(s *domain.Schedule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedules[s.ID] = s.Clone()
}

func (r *mockScheduleRepo) stored(id string) *domain.Schedule {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.schedules[id]; ok {
		return s.Clone()
	}
	return nil
}

func (r *mockScheduleRepo) Upsert(_ context.Context, s *domain.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	if len(r.upsertErrs) > 0 {
		err := r.upsertErrs[0]
		r.upsertErrs = r.upsertErrs[1:]
		return err
	}
	var version int64 = 1
	if prev, ok := r.schedules[s.ID]; ok {
		version = prev.Version + 1
	}
	s.Version = version
	r.schedules[s.ID] = s.Clone()
	return nil
}

func (r *mockScheduleRepo) Get(_ context.Context, id string) (*domain.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, id)
	}
	return s.Clone(), nil
}

func (r *mockScheduleRepo) Fetch(_ context.Context, filter domain.ScheduleFilter) (domain.Cursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Schedule
	for _, s := range r.schedules {
		if filter.IDs != nil && !slices.Contains(filter.IDs, s.ID) {
			continue
		}
		if len(filter.States) > 0 && !slices.Contains(filter.States, s.State) {
			continue
		}
		if filter.Group != "" && s.Group != filter.Group {
			continue
		}
		if filter.TerminalBefore != nil && (!s.State.IsTerminal() || !s.StateChangedAt.Before(*filter.TerminalBefore)) {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return &sliceCursor{items: out, pos: -1}, nil
}

func (r *mockScheduleRepo) Delete(_ context.Context, ids []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := r.schedules[id]; ok {
			delete(r.schedules, id)
			r.deleted = append(r.deleted, id)
			n++
		}
	}
	return n, nil
}

func (r *mockScheduleRepo) UpdateTriggerProgress(_ context.Context, updates []domain.TriggerProgress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress++
	for _, u := range updates {
		s, ok := r.schedules[u.ScheduleID]
		if !ok {
			continue
		}
		if t := s.Trigger(u.TriggerID); t != nil {
			t.Progress = u.Progress
			t.LastEvaluatedAt = u.LastEvaluatedAt
		}
	}
	return nil
}

type sliceCursor struct {
	items []*domain.Schedule
	pos   int
}

func (c *sliceCursor) Next(context.Context) bool {
	if c.pos+1 >= len(c.items) {
		c.pos = len(c.items)
		return false
	}
	c.pos++
	return true
}

func (c *sliceCursor) Schedule() *domain.Schedule { return c.items[c.pos] }
func (c *sliceCursor) Err() error                 { return nil }
func (c *sliceCursor) Close() error               { return nil }

// recordingExecutor counts executions and returns a scripted result.
type recordingExecutor struct {
	mu      sync.Mutex
	calls   []string
	outcome domain.ExecutionOutcome
	errs    []error
}

func (e *recordingExecutor) Execute(_ context.Context, id string, _ json.RawMessage) (domain.ExecutionOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, id)
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		return "", err
	}
	if e.outcome == "" {
		return domain.ExecutionFinished, nil
	}
	return e.outcome, nil
}

func (e *recordingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// gatedLocker holds the first Acquire for one schedule until release is
// closed, so a test can queue work behind a job that is already running.
type gatedLocker struct {
	locks.ScheduleLocker
	id      string
	once    sync.Once
	waiting chan struct{}
	release chan struct{}
}

func newGatedLocker(id string) *gatedLocker {
	return &gatedLocker{
		ScheduleLocker: locks.NewLocalLocker(),
		id:             id,
		waiting:        make(chan struct{}),
		release:        make(chan struct{}),
	}
}

func (l *gatedLocker) Acquire(ctx context.Context, scheduleID string) (locks.Lock, error) {
	if scheduleID == l.id {
		l.once.Do(func() {
			close(l.waiting)
			<-l.release
		})
	}
	return l.ScheduleLocker.Acquire(ctx, scheduleID)
}
