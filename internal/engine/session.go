package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Deps are the collaborators injected into a session.
type Deps struct {
	Backend  Backend
	Uploader Uploader
	Time     TimeSource
	Sched    Scheduler
	Listener Listener
	Logger   zerolog.Logger

	// BaseContext carries credentials for calls the engine makes on its
	// own, such as the forced submission on expiry.
	BaseContext  context.Context
	TickInterval time.Duration
	RetryLimit   int
}

func (d *Deps) defaults() {
	if d.Time == nil {
		d.Time = SystemClock{}
	}
	if d.Sched == nil {
		d.Sched = SystemClock{}
	}
}

// Session bundles the components of one attempt. It exclusively owns its
// ledger and attempt state.
type Session struct {
	Questions   []Question
	Ledger      *Ledger
	Cursor      *Cursor
	Clock       *Clock
	Coordinator *Coordinator
	Gate        *Gate

	deps      Deps
	listener  Listener
	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

// View is a read-only rendering of a session for display.
type View struct {
	Attempt          AttemptState   `json:"attempt"`
	RemainingSeconds int            `json:"remaining_seconds"`
	Current          int            `json:"current"`
	Total            int            `json:"total"`
	Progress         float64        `json:"progress"`
	Answers          map[int]Answer `json:"answers"`
	Flags            []int          `json:"flags"`
	RetriesLeft      int            `json:"retries_left"`
	LastError        string         `json:"last_error,omitempty"`
	ResultsUnlocked  bool           `json:"results_unlocked"`
	Questions        []Question     `json:"questions"`
}

// Start asks the backend for a new attempt and starts its clock.
func Start(ctx context.Context, d Deps, evaluationID string) (*Session, error) {
	if d.Backend == nil {
		return nil, fmt.Errorf("start session: backend is required")
	}
	d.defaults()

	grant, err := d.Backend.StartAttempt(ctx, evaluationID)
	if err != nil {
		return nil, fmt.Errorf("start attempt: %w", err)
	}
	if grant == nil || grant.AttemptID == "" || grant.DeadlineAt.IsZero() {
		return nil, ErrInvalidGrant
	}
	return newSession(d, evaluationID, grant), nil
}

func newSession(d Deps, evaluationID string, grant *AttemptGrant) *Session {
	questions := append([]Question(nil), grant.Questions...)
	started := grant.StartedAt
	if started.IsZero() {
		started = d.Time.Now()
	}
	if grant.EvaluationID != "" {
		evaluationID = grant.EvaluationID
	}
	state := AttemptState{
		AttemptID:    grant.AttemptID,
		EvaluationID: evaluationID,
		CourseID:     grant.CourseID,
		StartedAt:    started,
		DeadlineAt:   grant.DeadlineAt,
	}

	s := &Session{
		Questions: questions,
		Ledger:    NewLedger(questions),
		Cursor:    NewCursor(len(questions)),
		Clock:     NewClock(d.Time, d.Sched, d.TickInterval),
	}
	s.listener = d.Listener
	s.deps = d
	d.Listener = s.relay

	s.Coordinator = newCoordinator(state, questions, s.Ledger, d)
	s.Gate = newGate(s.Coordinator, d.Backend, d.Uploader, s.Coordinator.State())

	s.Clock.Start(state.DeadlineAt, s.onTick, s.Coordinator.Expire)
	return s
}

// relay forwards events until the session is closed and stops the clock
// once the attempt can no longer be edited.
func (s *Session) relay(ev Event) {
	if s.isClosed() {
		return
	}
	if ev.Kind == EventTransition {
		switch ev.Status {
		case StatusCompleted, StatusExpired:
			s.Clock.Cancel()
		}
	}
	if s.listener != nil {
		s.listener(ev)
	}
}

func (s *Session) onTick(remaining time.Duration) {
	if s.isClosed() || s.listener == nil {
		return
	}
	st := s.Coordinator.State()
	s.listener(Event{
		Kind:      EventTick,
		AttemptID: st.AttemptID,
		Status:    st.Status,
		Remaining: remaining,
		At:        s.deps.Time.Now(),
	})
}

// AttemptID returns the attempt identifier.
func (s *Session) AttemptID() string {
	return s.Coordinator.State().AttemptID
}

// Outcome reports what the retry policy needs to know.
func (s *Session) Outcome() Outcome {
	st := s.Coordinator.State()
	res := s.Gate.knownResult()
	if res == nil {
		res = s.Coordinator.acknowledged()
	}
	return Outcome{
		Status:           st.Status,
		Result:           res,
		RetriesExhausted: st.Status == StatusFailed && s.Coordinator.RetriesLeft() <= 0,
	}
}

// Retake applies the retry policy and, when allowed, closes this session
// and starts a fresh attempt with a new id and an empty ledger.
func (s *Session) Retake(ctx context.Context) (*Session, RetryDecision, error) {
	// Graded asynchronously: the ack carried no score.
	if s.Coordinator.Status() == StatusCompleted {
		s.Gate.fetchResult(ctx)
	}
	decision := RetryPolicy{}.Decide(s.Outcome())
	if !decision.Allowed {
		return nil, decision, fmt.Errorf("%w: %s", ErrRetakeNotAllowed, decision.Reason)
	}

	prev := s.Coordinator.State()
	grant, err := s.deps.Backend.StartAttempt(ctx, prev.EvaluationID)
	if err != nil {
		return nil, decision, fmt.Errorf("start attempt: %w", err)
	}
	if grant == nil || grant.AttemptID == "" || grant.DeadlineAt.IsZero() {
		return nil, decision, ErrInvalidGrant
	}
	if grant.AttemptID == prev.AttemptID {
		return nil, decision, ErrAttemptReused
	}

	s.Close()
	return newSession(s.deps, prev.EvaluationID, grant), decision, nil
}

// View renders the session for display.
func (s *Session) View() View {
	st := s.Coordinator.State()
	v := View{
		Attempt:          st,
		RemainingSeconds: int(math.Ceil(s.Clock.Remaining().Seconds())),
		Current:          s.Cursor.Current(),
		Total:            s.Cursor.Len(),
		Progress:         Progress(s.Ledger),
		Answers:          s.Ledger.Snapshot().Answers(),
		Flags:            s.Ledger.Flags(),
		RetriesLeft:      s.Coordinator.RetriesLeft(),
		ResultsUnlocked:  s.Gate.Unlocked(),
		Questions:        s.Questions,
	}
	if err := s.Coordinator.LastError(); err != nil {
		v.LastError = err.Error()
	}
	return v
}

// Close ends the session lifetime: the clock stops and pending callbacks
// are discarded. An in-flight submission is allowed to finish.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.Clock.Cancel()
		s.Coordinator.Close()
	})
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
