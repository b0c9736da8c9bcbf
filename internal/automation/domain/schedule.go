// Package domain contains the automation scheduling domain model.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a schedule.
type State string

const (
	StateIdle      State = "idle"
	StateTriggered State = "triggered"
	StateDelayed   State = "delayed"
	StateExecuting State = "executing"
	StateFinished  State = "finished"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
)

// IsValid returns true if the state is known.
func (s State) IsValid() bool {
	switch s {
	case StateIdle, StateTriggered, StateDelayed, StateExecuting,
		StateFinished, StateCancelled, StateExpired:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for states that accept no further events.
func (s State) IsTerminal() bool {
	return s == StateFinished || s == StateCancelled || s == StateExpired
}

// pending states are the ones an end date or cancellation can interrupt.
func (s State) pending() bool {
	return s == StateIdle || s == StateTriggered || s == StateDelayed
}

// ActiveStates lists the non-terminal states.
var ActiveStates = []State{StateIdle, StateTriggered, StateDelayed, StateExecuting}

// TerminalStates lists the terminal states.
var TerminalStates = []State{StateFinished, StateCancelled, StateExpired}

// TransitionReason explains why a schedule changed state.
type TransitionReason string

const (
	ReasonScheduled         TransitionReason = "scheduled"
	ReasonTriggerFired      TransitionReason = "trigger_fired"
	ReasonDelayPending      TransitionReason = "delay_pending"
	ReasonDelaySatisfied    TransitionReason = "delay_satisfied"
	ReasonCancellationFired TransitionReason = "cancellation_trigger"
	ReasonCancelled         TransitionReason = "cancelled"
	ReasonEndDatePassed     TransitionReason = "end_date_passed"
	ReasonDwellTimeout      TransitionReason = "dwell_timeout"
	ReasonExecuted          TransitionReason = "executed"
	ReasonRearmed           TransitionReason = "rearmed"
	ReasonSkipped           TransitionReason = "skipped"
	ReasonExecutionRetry    TransitionReason = "execution_retry"
	ReasonExecutionFailed   TransitionReason = "execution_failed"
	ReasonLimitReached      TransitionReason = "limit_reached"
	ReasonReactivated       TransitionReason = "reactivated"
)

// Transition records a single state change.
type Transition struct {
	ScheduleID string           `json:"schedule_id"`
	From       State            `json:"from"`
	To         State            `json:"to"`
	Reason     TransitionReason `json:"reason"`
	At         time.Time        `json:"at"`
	TriggerID  string           `json:"trigger_id,omitempty"`
}

// Outcome describes what an evaluation changed on a schedule.
type Outcome struct {
	Transitions []Transition

	// ScheduleDirty is set when schedule level fields must be persisted.
	ScheduleDirty bool

	// TouchedTriggers lists triggers whose progress changed without any
	// schedule level change.
	TouchedTriggers []*Trigger

	// Fire is the primary trigger fire that moved the schedule out of idle.
	Fire *TriggerFireResult
}

// Changed reports whether anything needs to be persisted.
func (o Outcome) Changed() bool {
	return o.ScheduleDirty || len(o.Transitions) > 0 || len(o.TouchedTriggers) > 0
}

// Entered reports whether the outcome ended in state s via a transition.
func (o Outcome) Entered(s State) bool {
	return len(o.Transitions) > 0 && o.Transitions[len(o.Transitions)-1].To == s
}

// ExecutionOutcome is the result reported by the execution callback.
type ExecutionOutcome string

const (
	ExecutionFinished ExecutionOutcome = "finished"
	ExecutionSkipped  ExecutionOutcome = "skip"
	ExecutionErrored  ExecutionOutcome = "error"
)

// ExecutionResult is fed back into the state machine once the callback returns.
type ExecutionResult struct {
	Outcome   ExecutionOutcome
	Err       error
	Retryable bool
}

// Schedule is one deliverable with its trigger, delay and cancellation configuration.
type Schedule struct {
	ID             string
	Priority       int
	Group          string
	ExecutionLimit int
	ExecutionCount int
	StartDate      *time.Time
	EndDate        *time.Time
	State          State
	Payload        json.RawMessage

	Triggers []*Trigger
	Delay    *DelayCondition

	MaxExecutionRetries int
	ExecutionAttempts   int
	ExecutionFailed     bool
	LastError           string

	// RetentionSeconds keeps a terminal schedule queryable before it is purged.
	// Zero uses the coordinator default.
	RetentionSeconds int64

	StateChangedAt time.Time
	TriggeredAt    *time.Time
	TriggerContext *RuntimeEvent
	DelayEnteredAt *time.Time
	DelayElapsed   time.Duration
	DelayAnchor    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// NewSchedule creates an idle schedule. An empty id is replaced with a random one.
func NewSchedule(id string, executionLimit int, payload json.RawMessage, triggers ...*Trigger) *Schedule {
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now()
	s := &Schedule{
		ID:             id,
		ExecutionLimit: executionLimit,
		State:          StateIdle,
		Payload:        payload,
		Triggers:       triggers,
		StateChangedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.adoptTriggers()
	return s
}

// SetDelay attaches a delay condition.
func (s *Schedule) SetDelay(d *DelayCondition) {
	s.Delay = d
	s.adoptTriggers()
}

// adoptTriggers links child triggers to the schedule and fills missing ids.
func (s *Schedule) adoptTriggers() {
	for _, t := range s.AllTriggers() {
		if t == nil {
			continue
		}
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		t.ScheduleID = s.ID
	}
}

// CancellationTriggers returns the triggers attached to the delay condition.
func (s *Schedule) CancellationTriggers() []*Trigger {
	if s.Delay == nil {
		return nil
	}
	return s.Delay.CancellationTriggers
}

// AllTriggers returns primary triggers followed by cancellation triggers.
func (s *Schedule) AllTriggers() []*Trigger {
	cancellation := s.CancellationTriggers()
	all := make([]*Trigger, 0, len(s.Triggers)+len(cancellation))
	all = append(all, s.Triggers...)
	return append(all, cancellation...)
}

// Trigger looks up a primary or cancellation trigger by id.
func (s *Schedule) Trigger(id string) *Trigger {
	for _, t := range s.AllTriggers() {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Validate checks the schedule definition.
func (s *Schedule) Validate() error {
	if s.ID == "" {
		return invalid("id", "is required")
	}
	if !s.State.IsValid() {
		return invalid("state", "unknown state %q", s.State)
	}
	if s.ExecutionLimit < 1 {
		return invalid("execution_limit", "must be at least 1")
	}
	if s.ExecutionCount < 0 || s.ExecutionCount > s.ExecutionLimit {
		return invalid("execution_count", "%d outside [0, %d]", s.ExecutionCount, s.ExecutionLimit)
	}
	if s.StartDate != nil && s.EndDate != nil && s.EndDate.Before(*s.StartDate) {
		return invalid("end_date", "is before start_date")
	}
	if s.MaxExecutionRetries < 0 {
		return invalid("max_execution_retries", "must not be negative")
	}
	if s.RetentionSeconds < 0 {
		return invalid("retention_seconds", "must not be negative")
	}
	if len(s.Triggers) == 0 {
		return invalid("triggers", "at least one trigger is required")
	}
	if s.Payload != nil && !json.Valid(s.Payload) {
		return invalid("payload", "is not valid JSON")
	}

	seen := make(map[string]struct{})
	for _, t := range s.Triggers {
		if t == nil {
			return invalid("triggers", "nil trigger")
		}
		if t.Role != TriggerRolePrimary {
			return invalid("triggers", "trigger %s is not a primary trigger", t.ID)
		}
		if err := t.Validate(); err != nil {
			return err
		}
		seen[t.ID] = struct{}{}
	}
	if err := s.Delay.Validate(); err != nil {
		return err
	}
	for _, t := range s.CancellationTriggers() {
		seen[t.ID] = struct{}{}
	}
	if len(seen) != len(s.Triggers)+len(s.CancellationTriggers()) {
		return invalid("triggers", "duplicate trigger id")
	}
	return nil
}

// PastEnd reports whether now is beyond the end date.
func (s *Schedule) PastEnd(now time.Time) bool {
	return s.EndDate != nil && now.After(*s.EndDate)
}

// Started reports whether the start date has been reached.
func (s *Schedule) Started(now time.Time) bool {
	return s.StartDate == nil || !now.Before(*s.StartDate)
}

// RetentionExpired reports whether a terminal schedule may be purged.
func (s *Schedule) RetentionExpired(now time.Time, fallback time.Duration) bool {
	if !s.State.IsTerminal() {
		return false
	}
	retention := fallback
	if s.RetentionSeconds > 0 {
		retention = time.Duration(s.RetentionSeconds) * time.Second
	}
	return now.Sub(s.StateChangedAt) >= retention
}

// HandleEvent advances the schedule with one runtime event. rc must already
// reflect the event.
func (s *Schedule) HandleEvent(ev RuntimeEvent, rc RuntimeContext, opts EvaluationOptions) Outcome {
	var out Outcome
	now := ev.Time

	if s.State.IsTerminal() || !s.Started(now) {
		return out
	}

	if s.State.pending() && s.PastEnd(now) {
		s.terminate(&out, StateExpired, ReasonEndDatePassed, now)
		return out
	}

	switch s.State {
	case StateIdle:
		s.evaluatePrimary(&out, ev, rc, opts)
	case StateTriggered:
		s.resolve(&out, ev, rc, opts)
	case StateDelayed:
		s.accumulateDelay(&out, now)
		if opts.MaxDelayDwell > 0 && s.DelayEnteredAt != nil && now.Sub(*s.DelayEnteredAt) >= opts.MaxDelayDwell {
			s.terminate(&out, StateExpired, ReasonDwellTimeout, now)
			return out
		}
		s.resolve(&out, ev, rc, opts)
	}
	return out
}

func (s *Schedule) evaluatePrimary(out *Outcome, ev RuntimeEvent, rc RuntimeContext, opts EvaluationOptions) {
	var fired *TriggerFireResult
	for _, t := range s.Triggers {
		res, changed := t.OnEvent(ev, rc, opts)
		if changed {
			out.TouchedTriggers = append(out.TouchedTriggers, t)
		}
		if res != nil && fired == nil {
			fired = res
		}
	}
	if fired == nil || s.ExecutionCount >= s.ExecutionLimit {
		return
	}

	now := ev.Time
	ctx := fired.Context
	s.TriggeredAt = &now
	s.TriggerContext = &ctx
	out.Fire = fired
	s.transition(out, StateTriggered, ReasonTriggerFired, now)
	out.Transitions[len(out.Transitions)-1].TriggerID = fired.TriggerID

	s.resolve(out, ev, rc, opts)
}

// resolve runs the cancellation monitor and then the delay resolver for a
// triggered or delayed schedule. Cancellation wins ties.
func (s *Schedule) resolve(out *Outcome, ev RuntimeEvent, rc RuntimeContext, opts EvaluationOptions) {
	now := ev.Time
	for _, t := range s.CancellationTriggers() {
		res, changed := t.OnEvent(ev, rc, opts)
		if changed {
			out.TouchedTriggers = append(out.TouchedTriggers, t)
		}
		if res != nil {
			s.terminate(out, StateCancelled, ReasonCancellationFired, now)
			out.Transitions[len(out.Transitions)-1].TriggerID = res.TriggerID
			return
		}
	}

	if s.State == StateTriggered {
		if s.Delay.IsSatisfied(0, rc) {
			s.transition(out, StateExecuting, ReasonDelaySatisfied, now)
			return
		}
		entered := now
		anchor := now
		s.DelayEnteredAt = &entered
		s.DelayAnchor = &anchor
		s.DelayElapsed = 0
		s.transition(out, StateDelayed, ReasonDelayPending, now)
		return
	}

	if s.State == StateDelayed && s.Delay.IsSatisfied(s.DelayElapsed, rc) {
		s.transition(out, StateExecuting, ReasonDelaySatisfied, now)
	}
}

// accumulateDelay credits time since the last anchor to the persisted elapsed total.
func (s *Schedule) accumulateDelay(out *Outcome, now time.Time) {
	if s.DelayAnchor == nil {
		anchor := now
		s.DelayAnchor = &anchor
		out.ScheduleDirty = true
		return
	}
	if !now.After(*s.DelayAnchor) {
		return
	}
	s.DelayElapsed += now.Sub(*s.DelayAnchor)
	anchor := now
	s.DelayAnchor = &anchor
	out.ScheduleDirty = true
}

// RealignDelay moves the delay anchor to now so time spent while the process
// was not running is not counted.
func (s *Schedule) RealignDelay(now time.Time) bool {
	if s.State != StateDelayed {
		return false
	}
	anchor := now
	s.DelayAnchor = &anchor
	return true
}

// Register prepares a newly authored schedule for its first write: lifecycle
// bookkeeping is cleared and the schedule enters idle.
func (s *Schedule) Register(now time.Time) Outcome {
	var out Outcome
	s.rearm()
	s.State = ""
	s.ExecutionAttempts = 0
	s.ExecutionFailed = false
	s.LastError = ""
	s.Version = 0
	s.CreatedAt = now
	s.adoptTriggers()
	s.transition(&out, StateIdle, ReasonScheduled, now)
	return out
}

// Cancel drives a non-terminal schedule to cancelled. Cancelling a terminal
// schedule is a no-op.
func (s *Schedule) Cancel(now time.Time) Outcome {
	var out Outcome
	if s.State.IsTerminal() {
		return out
	}
	s.terminate(&out, StateCancelled, ReasonCancelled, now)
	return out
}

// CompleteExecution applies the execution callback result. Results that
// arrive after the schedule left executing are ignored.
func (s *Schedule) CompleteExecution(res ExecutionResult, now time.Time) Outcome {
	var out Outcome
	if s.State != StateExecuting {
		return out
	}

	switch res.Outcome {
	case ExecutionFinished:
		s.ExecutionCount++
		s.ExecutionAttempts = 0
		s.LastError = ""
		s.transition(&out, StateFinished, ReasonExecuted, now)
		if s.ExecutionCount < s.ExecutionLimit && !s.PastEnd(now) {
			s.rearm()
			s.transition(&out, StateIdle, ReasonRearmed, now)
		}
	case ExecutionSkipped:
		s.rearm()
		s.transition(&out, StateIdle, ReasonSkipped, now)
	default:
		s.ExecutionAttempts++
		if res.Err != nil {
			s.LastError = res.Err.Error()
		}
		if res.Retryable && s.ExecutionAttempts <= s.MaxExecutionRetries && !s.PastEnd(now) {
			s.rearm()
			s.transition(&out, StateIdle, ReasonExecutionRetry, now)
			return out
		}
		s.ExecutionFailed = true
		s.terminate(&out, StateFinished, ReasonExecutionFailed, now)
	}
	return out
}

// EditFunc mutates a schedule definition.
type EditFunc func(*Schedule) error

// ApplyEdit runs mutate against the schedule definition, re-validates it and
// forces any transition the new definition implies. Lifecycle bookkeeping is
// not editable.
func (s *Schedule) ApplyEdit(mutate EditFunc, rc RuntimeContext, opts EvaluationOptions, now time.Time) (Outcome, error) {
	var out Outcome
	keep := s.Clone()

	if err := mutate(s); err != nil {
		return out, err
	}

	s.ID = keep.ID
	s.State = keep.State
	s.ExecutionCount = keep.ExecutionCount
	s.ExecutionAttempts = keep.ExecutionAttempts
	s.ExecutionFailed = keep.ExecutionFailed
	s.LastError = keep.LastError
	s.StateChangedAt = keep.StateChangedAt
	s.TriggeredAt = keep.TriggeredAt
	s.TriggerContext = keep.TriggerContext
	s.DelayEnteredAt = keep.DelayEnteredAt
	s.DelayElapsed = keep.DelayElapsed
	s.DelayAnchor = keep.DelayAnchor
	s.CreatedAt = keep.CreatedAt
	s.Version = keep.Version
	s.adoptTriggers()

	if err := s.Validate(); err != nil {
		return out, err
	}
	s.UpdatedAt = now
	out.ScheduleDirty = true

	switch {
	case s.State == StateFinished:
		if !s.ExecutionFailed && s.ExecutionCount < s.ExecutionLimit && !s.PastEnd(now) {
			s.rearm()
			s.transition(&out, StateIdle, ReasonReactivated, now)
		}
	case s.State.IsTerminal(), s.State == StateExecuting:
	case s.PastEnd(now):
		s.terminate(&out, StateExpired, ReasonEndDatePassed, now)
	case s.ExecutionCount >= s.ExecutionLimit:
		s.terminate(&out, StateFinished, ReasonLimitReached, now)
	case s.State == StateTriggered || s.State == StateDelayed:
		if s.State == StateDelayed && s.DelayAnchor == nil {
			anchor := now
			s.DelayAnchor = &anchor
		}
		if s.Delay.IsSatisfied(s.DelayElapsed, rc) {
			s.transition(&out, StateExecuting, ReasonDelaySatisfied, now)
		}
	}
	return out, nil
}

// rearm returns all triggers and delay bookkeeping to their initial values.
func (s *Schedule) rearm() {
	for _, t := range s.AllTriggers() {
		t.Reset()
	}
	s.TriggeredAt = nil
	s.TriggerContext = nil
	s.clearDelay()
}

func (s *Schedule) clearDelay() {
	s.DelayEnteredAt = nil
	s.DelayAnchor = nil
	s.DelayElapsed = 0
}

// terminate moves into a terminal state and discards partial trigger progress.
func (s *Schedule) terminate(out *Outcome, to State, reason TransitionReason, now time.Time) {
	for _, t := range s.AllTriggers() {
		t.Reset()
	}
	s.clearDelay()
	s.transition(out, to, reason, now)
}

func (s *Schedule) transition(out *Outcome, to State, reason TransitionReason, now time.Time) {
	out.Transitions = append(out.Transitions, Transition{
		ScheduleID: s.ID,
		From:       s.State,
		To:         to,
		Reason:     reason,
		At:         now,
	})
	s.State = to
	s.StateChangedAt = now
	s.UpdatedAt = now
	out.ScheduleDirty = true
}

// Clone returns a deep copy of the schedule.
func (s *Schedule) Clone() *Schedule {
	c := *s
	c.StartDate = cloneTime(s.StartDate)
	c.EndDate = cloneTime(s.EndDate)
	c.TriggeredAt = cloneTime(s.TriggeredAt)
	c.DelayEnteredAt = cloneTime(s.DelayEnteredAt)
	c.DelayAnchor = cloneTime(s.DelayAnchor)
	if s.Payload != nil {
		c.Payload = append(json.RawMessage(nil), s.Payload...)
	}
	if s.TriggerContext != nil {
		ctx := s.TriggerContext.Snapshot()
		c.TriggerContext = &ctx
	}
	c.Triggers = cloneTriggers(s.Triggers)
	c.Delay = s.Delay.Clone()
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
