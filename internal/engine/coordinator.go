package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRetryLimit is how many user-initiated resubmissions a failed
// attempt gets before FAILED becomes terminal.
const DefaultRetryLimit = 3

// EventKind distinguishes clock ticks from state transitions.
type EventKind string

const (
	EventTick       EventKind = "tick"
	EventTransition EventKind = "transition"
)

// Trigger names what caused a transition.
type Trigger string

const (
	TriggerUser     Trigger = "user"
	TriggerExpiry   Trigger = "expiry"
	TriggerRetry    Trigger = "retry"
	TriggerBackend  Trigger = "backend"
	TriggerFeedback Trigger = "feedback"
	TriggerReopen   Trigger = "reopen"
)

// Event is published for every tick and every transition of a session.
type Event struct {
	Kind      EventKind     `json:"kind"`
	AttemptID string        `json:"attempt_id"`
	From      Status        `json:"from,omitempty"`
	Status    Status        `json:"status"`
	Trigger   Trigger       `json:"trigger,omitempty"`
	Remaining time.Duration `json:"remaining"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
}

// Listener receives session events. It must not block for long.
type Listener func(Event)

// Coordinator owns the attempt state machine. It guarantees at most one
// in-flight submission and exactly one transition out of IN_PROGRESS.
type Coordinator struct {
	backend    Backend
	now        TimeSource
	baseCtx    context.Context
	emit       Listener
	log        zerolog.Logger
	retryLimit int
	questions  []Question
	ledger     *Ledger

	mu          sync.Mutex
	state       AttemptState
	snapshot    *Snapshot
	submitCalls int
	result      *SubmissionResult
	lastErr     error
	closed      bool

	inflight sync.WaitGroup
}

func newCoordinator(state AttemptState, questions []Question, ledger *Ledger, d Deps) *Coordinator {
	limit := d.RetryLimit
	if limit < 0 {
		limit = 0
	}
	base := d.BaseContext
	if base == nil {
		base = context.Background()
	}
	state.Status = StatusInProgress
	return &Coordinator{
		backend:    d.Backend,
		now:        d.Time,
		baseCtx:    base,
		emit:       d.Listener,
		log:        d.Logger.With().Str("attempt_id", state.AttemptID).Logger(),
		retryLimit: limit,
		questions:  questions,
		ledger:     ledger,
		state:      state,
	}
}

// Submit locks the ledger and sends its snapshot. A second call while a
// submission is in flight is rejected with ErrSubmissionInFlight and makes
// no network call. The backend call is not cancelled with ctx.
func (c *Coordinator) Submit(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	switch c.state.Status {
	case StatusInProgress:
	case StatusSubmitting:
		c.mu.Unlock()
		return ErrSubmissionInFlight
	default:
		st := c.state.Status
		c.mu.Unlock()
		return fmt.Errorf("%w: submit from %s", ErrInvalidTransition, st)
	}
	snap, ev := c.beginLocked(TriggerUser)
	c.mu.Unlock()

	c.dispatch(ev)
	return c.send(ctx, snap)
}

// Expire is the clock's expiry hook. If the attempt is still in progress
// the ledger is frozen as it stands and submitted in the background.
// It is a no-op when a submission already won the race.
func (c *Coordinator) Expire() {
	c.mu.Lock()
	if c.closed || c.state.Status != StatusInProgress {
		c.mu.Unlock()
		return
	}
	snap, ev := c.beginLocked(TriggerExpiry)
	c.mu.Unlock()

	c.dispatch(ev)
	go func() {
		if err := c.send(c.baseCtx, snap); err != nil {
			c.log.Warn().Err(err).Msg("Forced submission failed")
		}
	}()
}

// RetrySubmission resends the snapshot retained from the failed
// submission. The ledger is never re-read.
func (c *Coordinator) RetrySubmission(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	switch {
	case c.state.Status == StatusSubmitting:
		c.mu.Unlock()
		return ErrSubmissionInFlight
	case c.state.Status != StatusFailed || c.snapshot == nil:
		st := c.state.Status
		c.mu.Unlock()
		return fmt.Errorf("%w: retry from %s", ErrInvalidTransition, st)
	case c.retriesLeftLocked() <= 0:
		c.mu.Unlock()
		return ErrRetriesExhausted
	}
	snap := *c.snapshot
	c.submitCalls++
	c.inflight.Add(1)
	ev := c.transitionLocked(StatusSubmitting, TriggerRetry, "")
	c.mu.Unlock()

	c.dispatch(ev)
	return c.send(ctx, snap)
}

// ReopenForEditing returns a failed attempt to IN_PROGRESS and unlocks the
// ledger. It is refused once the deadline has passed.
func (c *Coordinator) ReopenForEditing() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.state.Status != StatusFailed {
		st := c.state.Status
		c.mu.Unlock()
		return fmt.Errorf("%w: reopen from %s", ErrInvalidTransition, st)
	}
	if !c.now.Now().Before(c.state.DeadlineAt) {
		c.mu.Unlock()
		return ErrDeadlinePassed
	}
	c.ledger.unlock()
	c.snapshot = nil
	c.lastErr = nil
	ev := c.transitionLocked(StatusInProgress, TriggerReopen, "")
	c.mu.Unlock()

	c.dispatch(ev)
	return nil
}

// State returns a copy of the attempt state.
func (c *Coordinator) State() AttemptState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the current status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Status
}

// RetainedSnapshot returns the snapshot held for submission, if any.
func (c *Coordinator) RetainedSnapshot() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil {
		return Snapshot{}, false
	}
	return Snapshot{answers: c.snapshot.Answers()}, true
}

// LastError returns the error of the last failed submission.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// RetriesLeft returns how many resubmissions remain.
func (c *Coordinator) RetriesLeft() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retriesLeftLocked()
}

// Terminal reports whether the attempt accepts no further transitions.
func (c *Coordinator) Terminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminalLocked()
}

// Close ends the session lifetime. An in-flight submission still reaches
// the backend but its outcome is no longer applied or published.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Wait blocks until in-flight submissions have settled.
func (c *Coordinator) Wait() {
	c.inflight.Wait()
}

func (c *Coordinator) complete() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.state.Status != StatusAwaitingFeedback {
		st := c.state.Status
		c.mu.Unlock()
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, st)
	}
	ev := c.transitionLocked(StatusCompleted, TriggerFeedback, "")
	c.mu.Unlock()

	c.dispatch(ev)
	return nil
}

func (c *Coordinator) acknowledged() *SubmissionResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return nil
	}
	r := *c.result
	return &r
}

func (c *Coordinator) beginLocked(trigger Trigger) (Snapshot, Event) {
	snap := c.ledger.Lock()
	c.snapshot = &snap
	c.submitCalls++
	c.inflight.Add(1)
	return snap, c.transitionLocked(StatusSubmitting, trigger, "")
}

func (c *Coordinator) send(ctx context.Context, snap Snapshot) error {
	defer c.inflight.Done()

	ack, err := c.backend.SubmitAttempt(context.WithoutCancel(ctx), c.state.AttemptID, snap.Payload(c.questions))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.log.Debug().Err(err).Msg("Submission settled after close, outcome discarded")
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
		}
		return nil
	}

	if err != nil {
		c.lastErr = err
		var ev Event
		if errors.Is(err, ErrLateSubmission) {
			ev = c.transitionLocked(StatusExpired, TriggerBackend, err.Error())
		} else {
			ev = c.transitionLocked(StatusFailed, TriggerBackend, err.Error())
		}
		c.mu.Unlock()
		c.dispatch(ev)
		return fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}

	if ack != nil && ack.Score != nil {
		score := clampScore(*ack.Score)
		c.result = &SubmissionResult{
			AttemptID:   c.state.AttemptID,
			Score:       score,
			Status:      Evaluate(score),
			SubmittedAt: c.now.Now(),
		}
	}
	c.lastErr = nil
	ev := c.transitionLocked(StatusAwaitingFeedback, TriggerBackend, "")
	c.mu.Unlock()

	c.dispatch(ev)
	return nil
}

func (c *Coordinator) transitionLocked(to Status, trigger Trigger, errMsg string) Event {
	from := c.state.Status
	c.state.Status = to

	c.log.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("trigger", string(trigger)).
		Msg("Attempt transition")

	return Event{
		Kind:      EventTransition,
		AttemptID: c.state.AttemptID,
		From:      from,
		Status:    to,
		Trigger:   trigger,
		Error:     errMsg,
		At:        c.now.Now(),
	}
}

func (c *Coordinator) dispatch(ev Event) {
	if c.emit != nil {
		c.emit(ev)
	}
}

func (c *Coordinator) retriesLeftLocked() int {
	used := c.submitCalls - 1
	if used < 0 {
		used = 0
	}
	left := c.retryLimit - used
	if left < 0 {
		return 0
	}
	return left
}

func (c *Coordinator) terminalLocked() bool {
	switch c.state.Status {
	case StatusCompleted, StatusExpired:
		return true
	case StatusFailed:
		return c.retriesLeftLocked() <= 0
	}
	return false
}

func clampScore(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > 100:
		return 100
	}
	return s
}
