package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/felixgeelhaar/automata/internal/automation/domain"
	"github.com/felixgeelhaar/automata/internal/automation/infrastructure/locks"
	"github.com/felixgeelhaar/automata/internal/shared/application"
	sharedDomain "github.com/felixgeelhaar/automata/internal/shared/domain"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/automata/pkg/observability"
)

// ErrCoordinatorStopped is returned for work submitted after Stop.
var ErrCoordinatorStopped = errors.New("coordinator stopped")

// CoordinatorConfig tunes the coordinator.
type CoordinatorConfig struct {
	Evaluation domain.EvaluationOptions

	// StorageRetries is the number of attempts for a failed store write.
	StorageRetries int
	StorageBackoff time.Duration

	// TerminalRetention keeps terminal schedules before they are purged,
	// unless the schedule sets its own retention.
	TerminalRetention time.Duration

	// SnapshotCacheSize bounds the committed snapshot cache. Zero disables it,
	// which is required when several processes share one store.
	SnapshotCacheSize int

	// SubscriberBuffer is the channel size handed out by Subscribe.
	SubscriberBuffer int
}

// DefaultCoordinatorConfig returns sensible defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Evaluation:        domain.EvaluationOptions{MaxSessionDelta: time.Minute},
		StorageRetries:    3,
		StorageBackoff:    50 * time.Millisecond,
		TerminalRetention: 14 * 24 * time.Hour,
		SnapshotCacheSize: 1024,
		SubscriberBuffer:  64,
	}
}

// Deps are the collaborators of a Coordinator. Repo and Executor are required.
type Deps struct {
	Repo     domain.ScheduleRepository
	UoW      application.UnitOfWork
	Outbox   outbox.Repository
	Executor Executor
	Locker   locks.ScheduleLocker
	Logger   *slog.Logger
	Metrics  observability.Metrics
	Clock    func() time.Time
}

const (
	lifecycleNew int32 = iota
	lifecycleRunning
	lifecycleDraining
	lifecycleStopped
)

// Coordinator is the entry point of the scheduling core. It owns one mailbox
// per schedule so evaluation for a schedule is serialized in arrival order
// while different schedules proceed in parallel.
type Coordinator struct {
	repo     domain.ScheduleRepository
	uow      application.UnitOfWork
	outbox   outbox.Repository
	executor Executor
	locker   locks.ScheduleLocker
	logger   *slog.Logger
	metrics  observability.Metrics
	clock    func() time.Time
	cfg      CoordinatorConfig

	cache *lru.Cache[string, *domain.Schedule]

	baseCtx context.Context
	cancel  context.CancelFunc
	state   atomic.Int32

	disabled    atomic.Bool
	disabledErr atomic.Value

	// intakeMu orders context updates with mailbox fan-out.
	intakeMu sync.Mutex
	rc       domain.RuntimeContext

	mu        sync.Mutex
	mailboxes map[string]*mailbox
	active    map[string]struct{}

	pendingMu sync.Mutex
	pending   int
	idle      chan struct{}

	subsMu  sync.Mutex
	subs    map[int]chan domain.Transition
	nextSub int

	wg sync.WaitGroup
}

// NewCoordinator creates a coordinator.
func NewCoordinator(deps Deps, cfg CoordinatorConfig) (*Coordinator, error) {
	if deps.Repo == nil {
		return nil, errors.New("schedule repository is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if deps.Locker == nil {
		deps.Locker = locks.NoopLocker{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NoopMetrics{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if cfg.StorageRetries < 1 {
		cfg.StorageRetries = 1
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultCoordinatorConfig().SubscriberBuffer
	}

	var cache *lru.Cache[string, *domain.Schedule]
	if cfg.SnapshotCacheSize > 0 {
		var err error
		cache, err = lru.New[string, *domain.Schedule](cfg.SnapshotCacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create snapshot cache: %w", err)
		}
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		repo:      deps.Repo,
		uow:       deps.UoW,
		outbox:    deps.Outbox,
		executor:  deps.Executor,
		locker:    deps.Locker,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		clock:     deps.Clock,
		cfg:       cfg,
		cache:     cache,
		baseCtx:   baseCtx,
		cancel:    cancel,
		rc:        domain.RuntimeContext{AppState: domain.AppStateForeground, Regions: map[string]struct{}{}},
		mailboxes: make(map[string]*mailbox),
		active:    make(map[string]struct{}),
		subs:      make(map[int]chan domain.Transition),
	}
	c.metrics.Gauge(observability.MetricAutomationState, 1)
	return c, nil
}

// Start loads the active schedules. Delayed schedules have their delay anchor
// moved to now so downtime is not counted; schedules left executing by a
// previous process are handed to the executor again.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.usable(); err != nil {
		return err
	}
	if !c.state.CompareAndSwap(lifecycleNew, lifecycleRunning) {
		return nil
	}

	cursor, err := c.repo.Fetch(ctx, domain.Active())
	if err != nil {
		return c.storageFailure(ctx, "load active schedules", err)
	}
	schedules, err := domain.Collect(ctx, cursor)
	if err != nil {
		return c.storageFailure(ctx, "load active schedules", err)
	}

	now := c.clock()
	var delayed, executing int
	for _, s := range schedules {
		c.markActive(s)
		c.remember(s)
		switch s.State {
		case domain.StateDelayed:
			delayed++
			c.enqueue(s.ID, &job{
				ctx:    c.baseCtx,
				op:     "realign delay",
				source: application.SourceRuntime,
				mutate: func(s *domain.Schedule, _ domain.RuntimeContext) (domain.Outcome, error) {
					return domain.Outcome{ScheduleDirty: s.RealignDelay(now)}, nil
				},
			})
		case domain.StateExecuting:
			executing++
			c.dispatch(s.Clone())
		}
	}

	c.logger.Info("automation coordinator started",
		"active", len(schedules),
		"delayed", delayed,
		"redispatched", executing,
	)
	return nil
}

// Stop refuses new work, waits for queued work and in-flight executions
// until ctx ends, then cancels whatever is still running.
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.state.Load() == lifecycleStopped {
		return nil
	}
	c.state.Store(lifecycleDraining)
	drainErr := c.Drain(ctx)

	c.state.Store(lifecycleStopped)
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(drainErr, ctx.Err())
	}

	c.subsMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subsMu.Unlock()

	c.logger.Info("automation coordinator stopped")
	return drainErr
}

// Drain blocks until every queued job and in-flight execution has finished.
func (c *Coordinator) Drain(ctx context.Context) error {
	for {
		c.pendingMu.Lock()
		if c.pending == 0 {
			c.pendingMu.Unlock()
			return nil
		}
		idle := c.idle
		c.pendingMu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Disabled reports whether a storage corruption stopped automation.
func (c *Coordinator) Disabled() bool {
	return c.disabled.Load()
}

// Context returns a copy of the tracked runtime context.
func (c *Coordinator) Context() domain.RuntimeContext {
	c.intakeMu.Lock()
	defer c.intakeMu.Unlock()
	return c.rc.Clone()
}

// Schedule registers a new schedule. Validation errors are returned
// synchronously and nothing is written.
func (c *Coordinator) Schedule(ctx context.Context, s *domain.Schedule) (*domain.Schedule, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: schedule is required", domain.ErrInvalidSchedule)
	}
	draft := s.Clone()
	if draft.ID == "" {
		draft.ID = uuid.New().String()
	}
	now := c.clock()
	registration := draft.Register(now)
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	res := c.submit(ctx, draft.ID, &job{
		op:     "schedule",
		source: application.SourceAPI,
		create: draft,
		mutate: func(*domain.Schedule, domain.RuntimeContext) (domain.Outcome, error) {
			return registration, nil
		},
	})
	return res.schedule, res.err
}

// CancelSchedule cancels a schedule. Cancelling a terminal schedule is a no-op.
func (c *Coordinator) CancelSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	res := c.submit(ctx, id, &job{
		op:     "cancel schedule",
		source: application.SourceAPI,
		mutate: func(s *domain.Schedule, _ domain.RuntimeContext) (domain.Outcome, error) {
			return s.Cancel(c.clock()), nil
		},
	})
	return res.schedule, res.err
}

// CancelGroup cancels every active schedule in group and returns how many
// changed state.
func (c *Coordinator) CancelGroup(ctx context.Context, group string) (int, error) {
	if group == "" {
		return 0, fmt.Errorf("%w: group is required", domain.ErrInvalidSchedule)
	}
	if err := c.usable(); err != nil {
		return 0, err
	}
	cursor, err := c.repo.Fetch(ctx, domain.ScheduleFilter{Group: group, States: domain.ActiveStates})
	if err != nil {
		return 0, c.storageFailure(ctx, "cancel group", err)
	}
	members, err := domain.Collect(ctx, cursor)
	if err != nil {
		return 0, c.storageFailure(ctx, "cancel group", err)
	}

	var (
		cancelled int
		errs      []error
	)
	for _, s := range members {
		res := c.submit(ctx, s.ID, &job{
			op:     "cancel group",
			source: application.SourceAPI,
			mutate: func(s *domain.Schedule, _ domain.RuntimeContext) (domain.Outcome, error) {
				return s.Cancel(c.clock()), nil
			},
		})
		switch {
		case res.err != nil && !errors.Is(res.err, domain.ErrScheduleNotFound):
			errs = append(errs, res.err)
		case res.outcome.Entered(domain.StateCancelled):
			cancelled++
		}
	}
	return cancelled, errors.Join(errs...)
}

// EditSchedule applies mutate to the schedule definition, re-validates it and
// forces any transition the new definition implies.
func (c *Coordinator) EditSchedule(ctx context.Context, id string, mutate domain.EditFunc) (*domain.Schedule, error) {
	if mutate == nil {
		return nil, fmt.Errorf("%w: edit function is required", domain.ErrInvalidSchedule)
	}
	res := c.submit(ctx, id, &job{
		op:     "edit schedule",
		source: application.SourceAPI,
		mutate: func(s *domain.Schedule, rc domain.RuntimeContext) (domain.Outcome, error) {
			return s.ApplyEdit(mutate, rc, c.cfg.Evaluation, c.clock())
		},
	})
	return res.schedule, res.err
}

// OnRuntimeEvent folds the event into the runtime context and queues it for
// every active schedule. Evaluation happens asynchronously.
func (c *Coordinator) OnRuntimeEvent(ctx context.Context, ev domain.RuntimeEvent) error {
	return c.ingest(ctx, ev, application.SourceRuntime)
}

// Tick feeds a time_tick event stamped with the coordinator clock.
func (c *Coordinator) Tick(ctx context.Context) error {
	return c.ingest(ctx, domain.TimeTick(c.clock()), application.SourceSweeper)
}

func (c *Coordinator) ingest(ctx context.Context, ev domain.RuntimeEvent, source string) error {
	if err := c.usable(); err != nil {
		return err
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Time.IsZero() {
		ev.Time = c.clock()
	}
	ev = ev.Snapshot()

	c.intakeMu.Lock()
	defer c.intakeMu.Unlock()

	c.rc = c.rc.Apply(ev)
	rc := c.rc.Clone()

	c.mu.Lock()
	targets := make([]string, 0, len(c.active))
	for id := range c.active {
		targets = append(targets, id)
	}
	c.mu.Unlock()

	jobCtx := context.WithoutCancel(ctx)
	for _, id := range targets {
		c.enqueue(id, &job{
			ctx:       jobCtx,
			op:        "runtime event",
			source:    source,
			causation: ev.ID,
			rc:        &rc,
			mutate: func(s *domain.Schedule, rc domain.RuntimeContext) (domain.Outcome, error) {
				return s.HandleEvent(ev, rc, c.cfg.Evaluation), nil
			},
		})
	}

	c.metrics.Counter(observability.MetricEventsProcessed, 1, observability.T("type", string(ev.Type)))
	return nil
}

// Get returns the committed snapshot of a schedule.
func (c *Coordinator) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	if c.cache != nil {
		if s, ok := c.cache.Get(id); ok {
			return s.Clone(), nil
		}
	}
	s, err := c.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrScheduleNotFound) {
			return nil, err
		}
		return nil, c.storageFailure(ctx, "get schedule", err)
	}
	return s, nil
}

// List returns the schedules matching filter.
func (c *Coordinator) List(ctx context.Context, filter domain.ScheduleFilter) ([]*domain.Schedule, error) {
	cursor, err := c.repo.Fetch(ctx, filter)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSchedule) {
			return nil, err
		}
		return nil, c.storageFailure(ctx, "list schedules", err)
	}
	schedules, err := domain.Collect(ctx, cursor)
	if err != nil {
		return nil, c.storageFailure(ctx, "list schedules", err)
	}
	return schedules, nil
}

// Purge deletes terminal schedules whose retention has elapsed. Each delete
// runs in the schedule's mailbox, where retention is checked again against
// the committed snapshot.
func (c *Coordinator) Purge(ctx context.Context) (int64, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	now := c.clock()
	cursor, err := c.repo.Fetch(ctx, domain.ScheduleFilter{TerminalBefore: &now})
	if err != nil {
		return 0, c.storageFailure(ctx, "purge schedules", err)
	}
	var ids []string
	for cursor.Next(ctx) {
		if s := cursor.Schedule(); s.RetentionExpired(now, c.cfg.TerminalRetention) {
			ids = append(ids, s.ID)
		}
	}
	cursor.Close()
	if err := cursor.Err(); err != nil {
		return 0, c.storageFailure(ctx, "purge schedules", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	replies := make([]chan jobResult, 0, len(ids))
	for _, id := range ids {
		j := &job{
			ctx:    context.WithoutCancel(ctx),
			op:     "purge schedule",
			source: application.SourceSweeper,
			purge:  true,
			reply:  make(chan jobResult, 1),
		}
		if !c.enqueue(id, j) {
			return 0, ErrCoordinatorStopped
		}
		replies = append(replies, j.reply)
	}

	var deleted int64
	var errs []error
	for _, reply := range replies {
		select {
		case res := <-reply:
			if res.err != nil {
				errs = append(errs, res.err)
			}
			if res.purged {
				deleted++
			}
		case <-ctx.Done():
			return deleted, ctx.Err()
		}
	}
	if deleted > 0 {
		c.metrics.Counter(observability.MetricSchedulesPurged, deleted)
		c.logger.Info("purged terminal schedules", "count", deleted)
	}
	return deleted, errors.Join(errs...)
}

// Subscribe returns a channel of committed transitions and a function that
// ends the subscription. Slow subscribers lose transitions rather than
// blocking evaluation.
func (c *Coordinator) Subscribe() (<-chan domain.Transition, func()) {
	ch := make(chan domain.Transition, c.cfg.SubscriberBuffer)

	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			defer c.subsMu.Unlock()
			if sub, ok := c.subs[id]; ok {
				close(sub)
				delete(c.subs, id)
			}
		})
	}
}

// ActiveCount returns the number of non-terminal schedules being tracked.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *Coordinator) usable() error {
	if c.disabled.Load() {
		if cause, ok := c.disabledErr.Load().(error); ok {
			return fmt.Errorf("%w: %w", domain.ErrAutomationDisabled, cause)
		}
		return domain.ErrAutomationDisabled
	}
	switch c.state.Load() {
	case lifecycleDraining, lifecycleStopped:
		return ErrCoordinatorStopped
	}
	return nil
}

// storageFailure classifies a store error and disables automation on corruption.
func (c *Coordinator) storageFailure(ctx context.Context, op string, err error) error {
	var se *domain.StorageError
	if !errors.As(err, &se) {
		err = domain.NewStorageError(op, err, false)
	}
	c.metrics.Counter(observability.MetricStorageErrors, 1, observability.T("operation", op))
	if domain.IsCorruption(err) {
		c.disable(ctx, err)
		return fmt.Errorf("%w: %w", domain.ErrAutomationDisabled, err)
	}
	c.logger.WarnContext(ctx, "automation storage error", "operation", op, "error", err)
	return err
}

func (c *Coordinator) disable(ctx context.Context, cause error) {
	if c.disabled.Swap(true) {
		return
	}
	c.disabledErr.Store(cause)
	c.metrics.Gauge(observability.MetricAutomationState, 0)
	c.logger.ErrorContext(ctx, "automation disabled until the store is repaired", "error", cause)
}

func (c *Coordinator) retryPolicy() application.RetryPolicy {
	return application.RetryPolicy{
		Attempts: c.cfg.StorageRetries,
		Backoff:  c.cfg.StorageBackoff,
		Retryable: func(err error) bool {
			if domain.IsCorruption(err) || errors.Is(err, domain.ErrScheduleNotFound) {
				return false
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return false
			}
			c.metrics.Counter(observability.MetricStorageRetries, 1)
			return true
		},
	}
}

func (c *Coordinator) markActive(s *domain.Schedule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.State.IsTerminal() {
		delete(c.active, s.ID)
	} else {
		c.active[s.ID] = struct{}{}
	}
	c.metrics.Gauge(observability.MetricActiveSchedules, float64(len(c.active)))
}

func (c *Coordinator) remember(s *domain.Schedule) {
	if c.cache != nil {
		c.cache.Add(s.ID, s)
	}
}

func (c *Coordinator) forget(id string) {
	if c.cache != nil {
		c.cache.Remove(id)
	}
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()
}

// load returns the committed snapshot of id, from the cache when possible.
func (c *Coordinator) load(ctx context.Context, id string) (*domain.Schedule, error) {
	if c.cache != nil {
		if s, ok := c.cache.Get(id); ok {
			return s, nil
		}
	}
	var s *domain.Schedule
	err := application.WithRetry(ctx, c.retryPolicy(), func(ctx context.Context) error {
		var err error
		s, err = c.repo.Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.remember(s)
	return s, nil
}

func (c *Coordinator) publish(ctx context.Context, transitions []domain.Transition) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, tr := range transitions {
		c.metrics.Counter(observability.MetricTransitions, 1,
			observability.T("from", string(tr.From)),
			observability.T("to", string(tr.To)),
		)
		c.logger.DebugContext(ctx, "schedule transition",
			"schedule_id", tr.ScheduleID,
			"from", tr.From,
			"to", tr.To,
			"reason", tr.Reason,
		)
		for _, ch := range c.subs {
			select {
			case ch <- tr:
			default:
				c.metrics.Counter(observability.MetricSubscriberDrops, 1)
			}
		}
	}
}

func (c *Coordinator) metadata(ctx context.Context, j *job) sharedDomain.EventMetadata {
	md := application.CausedBy(j.causation, j.source)
	if id, err := uuid.Parse(observability.CorrelationIDFromContext(ctx)); err == nil {
		md.CorrelationID = id
	}
	return md
}

func (c *Coordinator) beginWork() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pending == 0 {
		c.idle = make(chan struct{})
	}
	c.pending++
}

func (c *Coordinator) endWork() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending--
	if c.pending == 0 {
		close(c.idle)
	}
}
