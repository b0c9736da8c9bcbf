package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/automata/internal/automation/domain"
	"github.com/felixgeelhaar/automata/internal/shared/application"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/automata/pkg/observability"
)

// mutation changes a working copy of a schedule and reports what changed.
type mutation func(s *domain.Schedule, rc domain.RuntimeContext) (domain.Outcome, error)

// job is one unit of work in a schedule's mailbox.
type job struct {
	ctx       context.Context
	op        string
	source    string
	causation uuid.UUID

	// rc pins the runtime context the job was queued with.
	rc *domain.RuntimeContext

	// create marks a registration; the schedule must not exist yet.
	create *domain.Schedule

	// purge deletes the schedule if its retention has elapsed.
	purge bool

	mutate mutation
	reply  chan jobResult
}

type jobResult struct {
	schedule *domain.Schedule
	outcome  domain.Outcome
	purged   bool
	err      error
}

type mailbox struct {
	queue   []*job
	running bool
}

// submit queues j and waits for its result. The job keeps running when ctx
// ends before it is done.
func (c *Coordinator) submit(ctx context.Context, id string, j *job) jobResult {
	if err := c.usable(); err != nil {
		return jobResult{err: err}
	}
	if id == "" {
		return jobResult{err: fmt.Errorf("%w: schedule id is required", domain.ErrInvalidSchedule)}
	}
	j.ctx = context.WithoutCancel(ctx)
	j.reply = make(chan jobResult, 1)
	if !c.enqueue(id, j) {
		return jobResult{err: ErrCoordinatorStopped}
	}
	select {
	case res := <-j.reply:
		return res
	case <-ctx.Done():
		return jobResult{err: ctx.Err()}
	}
}

// enqueue appends j to the schedule's mailbox and starts a drainer if none is
// running. It reports false once the coordinator has stopped.
func (c *Coordinator) enqueue(id string, j *job) bool {
	if j.ctx == nil {
		j.ctx = c.baseCtx
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Load() == lifecycleStopped {
		return false
	}

	mb, ok := c.mailboxes[id]
	if !ok {
		mb = &mailbox{}
		c.mailboxes[id] = mb
	}
	mb.queue = append(mb.queue, j)
	c.beginWork()
	if !mb.running {
		mb.running = true
		c.wg.Add(1)
		go c.drain(id, mb)
	}
	return true
}

func (c *Coordinator) drain(id string, mb *mailbox) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if len(mb.queue) == 0 {
			mb.running = false
			delete(c.mailboxes, id)
			c.mu.Unlock()
			return
		}
		j := mb.queue[0]
		mb.queue[0] = nil
		mb.queue = mb.queue[1:]
		c.mu.Unlock()

		res := c.run(id, j)
		if j.reply != nil {
			j.reply <- res
		}
		c.endWork()
	}
}

// run applies a job to the committed snapshot of a schedule. The working copy
// becomes the committed snapshot only after it has been persisted.
func (c *Coordinator) run(id string, j *job) jobResult {
	if err := c.disabledError(); err != nil {
		return jobResult{err: err}
	}
	ctx := observability.WithScheduleID(j.ctx, id)

	lock, err := c.locker.Acquire(ctx, id)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to lock schedule", "schedule_id", id, "operation", j.op, "error", err)
		return jobResult{err: err}
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			c.logger.WarnContext(ctx, "failed to release schedule lock", "schedule_id", id, "error", err)
		}
	}()

	current, err := c.load(ctx, id)
	if j.purge {
		return c.purge(ctx, id, current, err)
	}
	switch {
	case j.create != nil && err == nil:
		return jobResult{err: fmt.Errorf("%w: %s", domain.ErrScheduleExists, id)}
	case j.create != nil && errors.Is(err, domain.ErrScheduleNotFound):
		current = j.create
	case errors.Is(err, domain.ErrScheduleNotFound):
		c.forget(id)
		return jobResult{err: err}
	case err != nil:
		return jobResult{err: c.storageFailure(ctx, j.op, err)}
	}

	rc := c.Context()
	if j.rc != nil {
		rc = *j.rc
	}

	next := current.Clone()
	out, err := j.mutate(next, rc)
	if err != nil {
		return jobResult{err: err}
	}
	if !out.Changed() {
		return jobResult{schedule: next, outcome: out}
	}

	if err := c.persist(ctx, j, next, out); err != nil {
		return jobResult{err: c.storageFailure(ctx, j.op, err)}
	}
	c.commit(ctx, next, out)
	return jobResult{schedule: next.Clone(), outcome: out}
}

// purge deletes a terminal schedule whose retention has elapsed. A schedule
// that was reactivated or deleted since Purge listed it is left alone.
func (c *Coordinator) purge(ctx context.Context, id string, current *domain.Schedule, loadErr error) jobResult {
	switch {
	case errors.Is(loadErr, domain.ErrScheduleNotFound):
		c.forget(id)
		return jobResult{}
	case loadErr != nil:
		return jobResult{err: c.storageFailure(ctx, "purge schedule", loadErr)}
	case !current.RetentionExpired(c.clock(), c.cfg.TerminalRetention):
		return jobResult{schedule: current.Clone()}
	}

	var n int64
	err := application.WithRetry(ctx, c.retryPolicy(), func(ctx context.Context) error {
		var err error
		n, err = c.repo.Delete(ctx, []string{id})
		return err
	})
	if err != nil {
		return jobResult{err: c.storageFailure(ctx, "purge schedule", err)}
	}
	c.forget(id)
	return jobResult{purged: n > 0}
}

func (c *Coordinator) disabledError() error {
	if !c.disabled.Load() {
		return nil
	}
	return c.usable()
}

// persist writes the working copy. Schedule level changes rewrite the whole
// snapshot together with its lifecycle events; progress-only changes touch
// just the trigger rows.
func (c *Coordinator) persist(ctx context.Context, j *job, s *domain.Schedule, out domain.Outcome) error {
	start := time.Now()
	defer func() {
		c.metrics.Timing(observability.MetricStorageDuration, time.Since(start), observability.T("operation", j.op))
	}()

	if !out.ScheduleDirty && len(out.Transitions) == 0 {
		updates := make([]domain.TriggerProgress, 0, len(out.TouchedTriggers))
		for _, t := range out.TouchedTriggers {
			updates = append(updates, domain.TriggerProgress{
				ScheduleID:      s.ID,
				TriggerID:       t.ID,
				Progress:        t.Progress,
				LastEvaluatedAt: t.LastEvaluatedAt,
			})
		}
		return application.WithRetry(ctx, c.retryPolicy(), func(ctx context.Context) error {
			return c.repo.UpdateTriggerProgress(ctx, updates)
		})
	}

	var msgs []*outbox.Message
	if c.outbox != nil {
		events := domain.StateChangedEvents(s, out)
		application.ApplyEventMetadata(events, c.metadata(ctx, j))
		var err error
		if msgs, err = outbox.NewMessages(events); err != nil {
			return fmt.Errorf("failed to build lifecycle events: %w", err)
		}
	}

	write := func(ctx context.Context) error {
		if err := c.repo.Upsert(ctx, s); err != nil {
			return err
		}
		if len(msgs) > 0 {
			return c.outbox.SaveBatch(ctx, msgs)
		}
		return nil
	}
	return application.WithRetry(ctx, c.retryPolicy(), func(ctx context.Context) error {
		if c.uow == nil {
			return write(ctx)
		}
		return application.WithUnitOfWork(ctx, c.uow, write)
	})
}

// commit publishes a persisted working copy as the new committed snapshot.
func (c *Coordinator) commit(ctx context.Context, s *domain.Schedule, out domain.Outcome) {
	c.remember(s)
	c.markActive(s)
	if out.Fire != nil {
		c.metrics.Counter(observability.MetricTriggersFired, 1)
	}
	c.publish(ctx, out.Transitions)
	if out.Entered(domain.StateExecuting) {
		c.dispatch(s.Clone())
	}
}

// dispatch runs the executor for s outside the mailbox and feeds the result
// back through it.
func (c *Coordinator) dispatch(s *domain.Schedule) {
	c.beginWork()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.endWork()

		ctx := observability.WithScheduleID(c.baseCtx, s.ID)
		start := time.Now()
		res := ToExecutionResult(c.execute(ctx, s))
		c.metrics.Timing(observability.MetricExecutionDuration, time.Since(start))
		c.metrics.Counter(observability.MetricExecutions, 1, observability.T("outcome", string(res.Outcome)))
		if res.Err != nil {
			c.logger.WarnContext(ctx, "schedule execution failed",
				"schedule_id", s.ID,
				"retryable", res.Retryable,
				"error", res.Err,
			)
		}

		queued := c.enqueue(s.ID, &job{
			ctx:    c.baseCtx,
			op:     "complete execution",
			source: application.SourceRuntime,
			mutate: func(s *domain.Schedule, _ domain.RuntimeContext) (domain.Outcome, error) {
				return s.CompleteExecution(res, c.clock()), nil
			},
		})
		if !queued {
			c.logger.Warn("execution result dropped after stop", "schedule_id", s.ID, "outcome", res.Outcome)
		}
	}()
}

func (c *Coordinator) execute(ctx context.Context, s *domain.Schedule) (outcome domain.ExecutionOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = "", &domain.ExecutionError{
				ScheduleID: s.ID,
				Err:        fmt.Errorf("executor panicked: %v", r),
			}
		}
	}()
	return c.executor.Execute(ctx, s.ID, s.Payload)
}
