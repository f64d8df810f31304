package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-gateway/internal/backend"
	"github.com/stemsi/exstem-gateway/internal/config"
	"github.com/stemsi/exstem-gateway/internal/engine"
	"github.com/stemsi/exstem-gateway/internal/model"
	"github.com/stemsi/exstem-gateway/internal/repository"
)

// Session service errors.
var (
	ErrAttemptNotFound = errors.New("attempt not found")
	ErrInvalidMove     = errors.New("invalid cursor move")
)

// mirrorTTL bounds how long the Redis answer mirror outlives its session.
const mirrorTTL = 24 * time.Hour

// Journal receives attempt events and locked snapshots for persistence.
type Journal interface {
	PushEvent(ctx context.Context, e model.AttemptEvent) error
	PushSnapshot(ctx context.Context, s model.AnswerSnapshot) error
}

// EventReader reads the persisted journal.
type EventReader interface {
	ListByAttempt(ctx context.Context, attemptID string, limit int) ([]model.AttemptEvent, error)
	GetSnapshot(ctx context.Context, attemptID string) (*model.AnswerSnapshot, error)
}

// Broadcaster fans events out to connected clients.
type Broadcaster interface {
	Broadcast(attemptID string, ev engine.Event)
}

// Clock is the time source and scheduler handed to engine sessions.
type Clock interface {
	engine.TimeSource
	engine.Scheduler
}

// SessionServiceDeps are the collaborators of a SessionService.
type SessionServiceDeps struct {
	Config      *config.Config
	Backend     engine.Backend
	Uploader    engine.Uploader
	Redis       redis.UniversalClient
	Journal     Journal
	Events      EventReader
	Broadcaster Broadcaster
	Auth        *AuthService
	Clock       Clock
	Logger      zerolog.Logger
}

type liveSession struct {
	session *engine.Session
	owner   string
	evalID  string

	mu       sync.Mutex
	lastSeen time.Time
}

func (l *liveSession) touch(now time.Time) {
	l.mu.Lock()
	l.lastSeen = now
	l.mu.Unlock()
}

func (l *liveSession) idleSince() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeen
}

// SessionService runs engine sessions on behalf of browser clients.
type SessionService struct {
	cfg         *config.Config
	backend     engine.Backend
	uploader    engine.Uploader
	rdb         redis.UniversalClient
	journal     Journal
	events      EventReader
	broadcaster Broadcaster
	auth        *AuthService
	clock       Clock
	log         zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*liveSession // by attempt id
	active   map[string]string       // owner|evaluation -> attempt id

	startMu  sync.Mutex
	starting map[string]*startLock // owner|evaluation
}

type startLock struct {
	mu   sync.Mutex
	refs int
}

// NewSessionService creates a new SessionService.
func NewSessionService(d SessionServiceDeps) *SessionService {
	clk := d.Clock
	if clk == nil {
		clk = engine.SystemClock{}
	}
	return &SessionService{
		cfg:         d.Config,
		backend:     d.Backend,
		uploader:    d.Uploader,
		rdb:         d.Redis,
		journal:     d.Journal,
		events:      d.Events,
		broadcaster: d.Broadcaster,
		auth:        d.Auth,
		clock:       clk,
		log:         d.Logger.With().Str("component", "session_service").Logger(),
		sessions:    make(map[string]*liveSession),
		active:      make(map[string]string),
		starting:    make(map[string]*startLock),
	}
}

// Start opens a session for the evaluation, or returns the live one. A
// settled attempt is replaced only when the retry policy allows it.
func (s *SessionService) Start(ctx context.Context, creds backend.Credentials, evaluationID string) (engine.View, error) {
	unlock := s.lockStart(activeKey(creds.Subject, evaluationID))
	defer unlock()
	ctx = backend.WithCredentials(ctx, creds)

	if ls, ok := s.activeFor(creds.Subject, evaluationID); ok {
		ls.touch(s.clock.Now())
		if !ls.session.Coordinator.Terminal() {
			return ls.session.View(), nil
		}
		next, _, err := s.replace(ctx, ls)
		if err != nil {
			return engine.View{}, err
		}
		return next.session.View(), nil
	}

	sess, err := engine.Start(ctx, s.engineDeps(creds), evaluationID)
	if err != nil {
		return engine.View{}, fmt.Errorf("start session: %w", err)
	}
	ls := s.register(sess, creds.Subject, evaluationID)
	if ls.owner != creds.Subject {
		return engine.View{}, engine.ErrAttemptReused
	}

	s.log.Info().
		Str("attempt_id", sess.AttemptID()).
		Str("subject", creds.Subject).
		Str("evaluation_id", evaluationID).
		Msg("Session started")
	return ls.session.View(), nil
}

// lockStart serializes starts and retakes of one subject and evaluation.
func (s *SessionService) lockStart(key string) func() {
	s.startMu.Lock()
	l, ok := s.starting[key]
	if !ok {
		l = &startLock{}
		s.starting[key] = l
	}
	l.refs++
	s.startMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.startMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.starting, key)
		}
		s.startMu.Unlock()
	}
}

func (s *SessionService) engineDeps(creds backend.Credentials) engine.Deps {
	return engine.Deps{
		Backend:      s.backend,
		Uploader:     s.uploader,
		Time:         s.clock,
		Sched:        s.clock,
		Listener:     s.onEvent,
		Logger:       s.log,
		BaseContext:  backend.WithCredentials(context.Background(), creds),
		TickInterval: s.cfg.TickInterval,
		RetryLimit:   s.cfg.SubmitRetryLimit,
	}
}

// register makes sess the live session of its attempt. When the attempt
// is already live, sess is closed and the registered session is returned.
func (s *SessionService) register(sess *engine.Session, owner, evaluationID string) *liveSession {
	ls := &liveSession{session: sess, owner: owner, evalID: evaluationID, lastSeen: s.clock.Now()}
	attemptID := sess.AttemptID()

	s.mu.Lock()
	if existing, ok := s.sessions[attemptID]; ok {
		s.mu.Unlock()
		sess.Close()
		s.log.Warn().Str("attempt_id", attemptID).Msg("Attempt already live, discarding duplicate session")
		return existing
	}
	s.sessions[attemptID] = ls
	s.active[activeKey(owner, evaluationID)] = attemptID
	s.mu.Unlock()

	sess.Ledger.SetObserver(func(ch engine.LedgerChange) { s.onLedgerChange(ls, ch) })

	ctx, cancel := s.bgContext()
	defer cancel()
	if s.rdb != nil {
		key := config.CacheKey.StudentActiveAttemptKey(owner, evaluationID)
		ttl := time.Until(sess.Coordinator.State().DeadlineAt) + s.cfg.SessionIdle
		if ttl < time.Minute {
			ttl = time.Minute
		}
		if err := s.rdb.Set(ctx, key, attemptID, ttl).Err(); err != nil {
			s.log.Warn().Err(err).Str("attempt_id", attemptID).Msg("Failed to record active attempt")
		}
	}
	// The deadline may already have passed while the grant was in transit.
	if sess.Coordinator.Status() != engine.StatusInProgress {
		s.persistSnapshot(ls)
	}
	return ls
}

// View returns the current state of an attempt owned by subject.
func (s *SessionService) View(subject, attemptID string) (engine.View, error) {
	ls, err := s.owned(subject, attemptID)
	if err != nil {
		return engine.View{}, err
	}
	return ls.session.View(), nil
}

// SetAnswer records an answer. The zero answer clears it.
func (s *SessionService) SetAnswer(subject, attemptID string, index int, a engine.Answer) (engine.View, error) {
	ls, err := s.owned(subject, attemptID)
	if err != nil {
		return engine.View{}, err
	}
	if err := ls.session.Ledger.Set(index, a); err != nil {
		return engine.View{}, err
	}
	return ls.session.View(), nil
}

// ClearAnswer removes the answer at index.
func (s *SessionService) ClearAnswer(subject, attemptID string, index int) (engine.View, error) {
	ls, err := s.owned(subject, attemptID)
	if err != nil {
		return engine.View{}, err
	}
	if err := ls.session.Ledger.Unset(index); err != nil {
		return engine.View{}, err
	}
	return ls.session.View(), nil
}

// SetFlag marks or unmarks a question for review.
func (s *SessionService) SetFlag(subject, attemptID string, index int, flagged bool) (engine.View, error) {
	ls, err := s.owned(subject, attemptID)
	if err != nil {
		return engine.View{}, err
	}
	if flagged {
		err = ls.session.Ledger.Flag(index)
	} else {
		err = ls.session.Ledger.Unflag(index)
	}
	if err != nil {
		return engine.View{}, err
	}
	s.journalEvent(model.AttemptEvent{
		AttemptID: attemptID,
		Subject:   subject,
		Kind:      model.EventKindFlag,
		Detail:    mustJSON(map[string]any{"index": index, "flagged": flagged}),
	})
	return ls.session.View(), nil
}

// Move applies a navigation action and returns the new view.
func (s *SessionService) Move(subject, attemptID, action string, index *int) (engine.View, error) {
	ls, err := s.owned(subject, attemptID)
	if err != nil {
		return engine.View{}, err
	}
	c := ls.session.Cursor
	switch action {
	case "next":
		c.Next()
	case "previous":
		c.Previous()
	case "goto":
		if index == nil {
			return engine.View{}, fmt.Errorf("%w: goto requires an index", ErrInvalidMove)
		}
		c.GoTo(*index)
	default:
		return engine.View{}, fmt.Errorf("%w: %q", ErrInvalidMove, action)
	}
	return ls.session.View(), nil
}

// Submit locks the ledger and sends it to the backend.
func (s *SessionService) Submit(ctx context.Context, subject, attemptID string) (engine.View, error) {
	ls, err := s.owned(subject, attemptID)
	if err != nil {
		return engine.View{}, err
	}
	err = ls.session.Coordinator.Submit(ctx)
	return ls.session.View(), err
}

// RetrySubmission resends the retained snapshot of a failed submission.
func (s *SessionService) RetrySubmission(ctx context.Context, subject, attemptID string) (engine.View, error) {
	ls, err := s.owned(subject, attemptID)
	if err != nil {
		return engine.View{}, err
	}
	err = ls.session.Coordinator.RetrySubmission(ctx)
	return ls.session.View(), err
}

// SubmitFeedback records satisfaction feedback.
func (s *SessionService) SubmitFeedback(ctx context.Context, subject, attemptID, text string) (engine.View, error) {
	return s.feedback(ctx, subject, attemptID, engine.Feedback{Kind: engine.FeedbackSatisfaction, Text: text})
}

// SubmitDeliverable records a lab/TP deliverable in file or text mode.
func (s *SessionService) SubmitDeliverable(ctx context.Context, subject, attemptID string, mode engine.DeliverableMode, text string, file *engine.File) (engine.View, error) {
	return s.feedback(ctx, subject, attemptID, engine.Feedback{Kind: engine.FeedbackLab, Mode: mode, Text: text, File: file})
}

func (s *SessionService) feedback(ctx context.Context, subject, attemptID string, f engine.Feedback) (engine.View, error) {
	ls, err := s.owned(subject, attemptID)
	if err != nil {
		return engine.View{}, err
	}
	if err := ls.session.Gate.SubmitFeedback(ctx, f); err != nil {
		return engine.View{}, err
	}
	detail := map[string]any{"kind": f.Kind}
	if f.Kind == engine.FeedbackLab {
		detail["mode"] = f.Mode
	}
	s.journalEvent(model.AttemptEvent{
		AttemptID: attemptID,
		Subject:   subject,
		Kind:      model.EventKindFeedback,
		Detail:    mustJSON(detail),
	})
	return ls.session.View(), nil
}

// Summary returns the gated result summary.
func (s *SessionService) Summary(ctx context.Context, subject, attemptID string) (*engine.ResultSummary, error) {
	ls, err := s.owned(subject, attemptID)
	if err != nil {
		return nil, err
	}
	return ls.session.Gate.Summary(ctx)
}

// Retake replaces a settled attempt with a fresh one when policy allows.
func (s *SessionService) Retake(ctx context.Context, subject, attemptID string) (engine.View, engine.RetryDecision, error) {
	ls, err := s.owned(subject, attemptID)
	if err != nil {
		return engine.View{}, engine.RetryDecision{}, err
	}
	unlock := s.lockStart(activeKey(ls.owner, ls.evalID))
	defer unlock()
	if cur, ok := s.lookup(attemptID); !ok || cur != ls {
		return engine.View{}, engine.RetryDecision{}, ErrAttemptNotFound
	}

	next, decision, err := s.replace(ctx, ls)
	if err != nil {
		return engine.View{}, decision, err
	}
	return next.session.View(), decision, nil
}

// replace runs the retry policy on ls and registers the new attempt in its
// place. Callers hold the start lock of ls.
func (s *SessionService) replace(ctx context.Context, ls *liveSession) (*liveSession, engine.RetryDecision, error) {
	prevID := ls.session.AttemptID()
	next, decision, err := ls.session.Retake(ctx)
	if err != nil {
		return nil, decision, err
	}

	s.unregister(prevID, false)
	nls := s.register(next, ls.owner, ls.evalID)
	s.journalEvent(model.AttemptEvent{
		AttemptID: prevID,
		Subject:   ls.owner,
		Kind:      model.EventKindRetake,
		Detail:    mustJSON(map[string]any{"next_attempt_id": next.AttemptID(), "reason": decision.Reason}),
	})
	s.log.Info().
		Str("attempt_id", prevID).
		Str("next_attempt_id", next.AttemptID()).
		Str("reason", decision.Reason).
		Msg("Attempt retaken")
	return nls, decision, nil
}

// Close ends a session, e.g. when the respondent navigates away. A pending
// submission still reaches the backend.
func (s *SessionService) Close(subject, attemptID string) error {
	if _, err := s.owned(subject, attemptID); err != nil {
		return err
	}
	s.unregister(attemptID, true)
	return nil
}

// Reopen returns a failed attempt to IN_PROGRESS after checking the proctor PIN.
func (s *SessionService) Reopen(attemptID, pin string) (engine.View, error) {
	if err := s.auth.CheckProctorPIN(pin); err != nil {
		return engine.View{}, err
	}
	ls, ok := s.lookup(attemptID)
	if !ok {
		return engine.View{}, ErrAttemptNotFound
	}
	if err := ls.session.Coordinator.ReopenForEditing(); err != nil {
		return engine.View{}, err
	}
	return ls.session.View(), nil
}

// LiveAnswers returns the Redis mirror of an attempt's ledger for proctors.
func (s *SessionService) LiveAnswers(ctx context.Context, attemptID string) (map[int]engine.Answer, error) {
	if s.rdb == nil {
		return nil, ErrAttemptNotFound
	}
	raw, err := s.rdb.HGetAll(ctx, config.CacheKey.AttemptAnswersKey(attemptID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read answer mirror: %w", err)
	}
	out := make(map[int]engine.Answer, len(raw))
	for field, v := range raw {
		i, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		var a engine.Answer
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			continue
		}
		out[i] = a
	}
	return out, nil
}

// Journal returns the persisted events of an attempt.
func (s *SessionService) Journal(ctx context.Context, attemptID string, limit int) ([]model.AttemptEvent, error) {
	if s.events == nil {
		return nil, ErrAttemptNotFound
	}
	return s.events.ListByAttempt(ctx, attemptID, limit)
}

// Snapshot returns the persisted answers frozen by the last submission.
func (s *SessionService) Snapshot(ctx context.Context, attemptID string) (*model.AnswerSnapshot, error) {
	if s.events == nil {
		return nil, ErrAttemptNotFound
	}
	snap, err := s.events.GetSnapshot(ctx, attemptID)
	if errors.Is(err, repository.ErrSnapshotNotFound) {
		return nil, ErrAttemptNotFound
	}
	return snap, err
}

// Count returns the number of live sessions on this instance.
func (s *SessionService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Authorize reports whether subject owns the live attempt.
func (s *SessionService) Authorize(subject, attemptID string) error {
	_, err := s.owned(subject, attemptID)
	return err
}

// ReapIdle closes settled sessions nobody touched for the idle period.
// Sessions still in progress or submitting are never reaped.
func (s *SessionService) ReapIdle(now time.Time) int {
	s.mu.RLock()
	var stale []string
	for id, ls := range s.sessions {
		switch ls.session.Coordinator.Status() {
		case engine.StatusInProgress, engine.StatusSubmitting:
			continue
		}
		if now.Sub(ls.idleSince()) >= s.cfg.SessionIdle {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range stale {
		s.unregister(id, true)
	}
	if len(stale) > 0 {
		s.log.Info().Int("count", len(stale)).Msg("Reaped idle sessions")
	}
	return len(stale)
}

// StartReaper runs ReapIdle every minute until ctx is done.
func (s *SessionService) StartReaper(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ReapIdle(s.clock.Now())
		}
	}
}

// Shutdown closes every session and waits for in-flight submissions.
func (s *SessionService) Shutdown() {
	s.mu.Lock()
	all := make([]*liveSession, 0, len(s.sessions))
	for _, ls := range s.sessions {
		all = append(all, ls)
	}
	s.sessions = make(map[string]*liveSession)
	s.active = make(map[string]string)
	s.mu.Unlock()

	for _, ls := range all {
		ls.session.Close()
	}
	for _, ls := range all {
		ls.session.Coordinator.Wait()
	}
	s.log.Info().Int("count", len(all)).Msg("Sessions closed")
}

func (s *SessionService) unregister(attemptID string, close bool) {
	s.mu.Lock()
	ls, ok := s.sessions[attemptID]
	if ok {
		delete(s.sessions, attemptID)
		key := activeKey(ls.owner, ls.evalID)
		if s.active[key] == attemptID {
			delete(s.active, key)
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if close {
		ls.session.Close()
		if s.rdb != nil {
			ctx, cancel := s.bgContext()
			defer cancel()
			key := config.CacheKey.StudentActiveAttemptKey(ls.owner, ls.evalID)
			if err := s.rdb.Del(ctx, key).Err(); err != nil {
				s.log.Warn().Err(err).Str("attempt_id", attemptID).Msg("Failed to clear active attempt")
			}
		}
	}
}

func (s *SessionService) lookup(attemptID string) (*liveSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ls, ok := s.sessions[attemptID]
	return ls, ok
}

func (s *SessionService) owned(subject, attemptID string) (*liveSession, error) {
	ls, ok := s.lookup(attemptID)
	if !ok || ls.owner != subject {
		return nil, ErrAttemptNotFound
	}
	ls.touch(s.clock.Now())
	return ls, nil
}

func (s *SessionService) activeFor(subject, evaluationID string) (*liveSession, bool) {
	s.mu.RLock()
	id, ok := s.active[activeKey(subject, evaluationID)]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.lookup(id)
}

// onEvent is the engine listener of every session.
func (s *SessionService) onEvent(ev engine.Event) {
	if s.broadcaster != nil {
		s.broadcaster.Broadcast(ev.AttemptID, ev)
	}
	if ev.Kind != engine.EventTransition {
		return
	}

	ls, ok := s.lookup(ev.AttemptID)
	subject := ""
	if ok {
		subject = ls.owner
	}
	s.journalEvent(model.AttemptEvent{
		AttemptID:  ev.AttemptID,
		Subject:    subject,
		Kind:       model.EventKindTransition,
		FromStatus: string(ev.From),
		ToStatus:   string(ev.Status),
		Trigger:    string(ev.Trigger),
		Detail:     errorDetail(ev.Error),
		RecordedAt: ev.At,
	})

	if s.rdb != nil {
		ctx, cancel := s.bgContext()
		defer cancel()
		if err := s.rdb.Set(ctx, config.CacheKey.AttemptStatusKey(ev.AttemptID), string(ev.Status), mirrorTTL).Err(); err != nil {
			s.log.Warn().Err(err).Str("attempt_id", ev.AttemptID).Msg("Failed to mirror status")
		}
	}
	if ev.Status == engine.StatusSubmitting && ok {
		s.persistSnapshot(ls)
	}
}

func (s *SessionService) onLedgerChange(ls *liveSession, ch engine.LedgerChange) {
	attemptID := ls.session.AttemptID()
	if s.rdb != nil {
		ctx, cancel := s.bgContext()
		key := config.CacheKey.AttemptAnswersKey(attemptID)
		field := strconv.Itoa(ch.Index)
		pipe := s.rdb.TxPipeline()
		if ch.Removed {
			pipe.HDel(ctx, key, field)
		} else {
			pipe.HSet(ctx, key, field, mustJSON(ch.Answer))
		}
		pipe.Expire(ctx, key, mirrorTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			s.log.Warn().Err(err).Str("attempt_id", attemptID).Msg("Failed to mirror answer")
		}
		cancel()
	}

	detail := map[string]any{"index": ch.Index, "removed": ch.Removed}
	if !ch.Removed {
		detail["answer"] = ch.Answer
	}
	s.journalEvent(model.AttemptEvent{
		AttemptID: attemptID,
		Subject:   ls.owner,
		Kind:      model.EventKindAnswer,
		Detail:    mustJSON(detail),
	})
}

func (s *SessionService) persistSnapshot(ls *liveSession) {
	if s.journal == nil {
		return
	}
	snap, ok := ls.session.Coordinator.RetainedSnapshot()
	if !ok {
		return
	}
	st := ls.session.Coordinator.State()
	ctx, cancel := s.bgContext()
	defer cancel()
	err := s.journal.PushSnapshot(ctx, model.AnswerSnapshot{
		AttemptID:    st.AttemptID,
		EvaluationID: st.EvaluationID,
		Subject:      ls.owner,
		Status:       string(st.Status),
		Answers:      mustJSON(snap.Answers()),
		Flags:        ls.session.Ledger.Flags(),
		LockedAt:     s.clock.Now(),
	})
	if err != nil {
		s.log.Error().Err(err).Str("attempt_id", st.AttemptID).Msg("Failed to enqueue snapshot")
	}
}

func (s *SessionService) journalEvent(e model.AttemptEvent) {
	if s.journal == nil {
		return
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = s.clock.Now()
	}
	ctx, cancel := s.bgContext()
	defer cancel()
	if err := s.journal.PushEvent(ctx, e); err != nil {
		s.log.Error().Err(err).Str("attempt_id", e.AttemptID).Str("kind", string(e.Kind)).Msg("Failed to enqueue event")
	}
}

func (s *SessionService) bgContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

func activeKey(owner, evaluationID string) string {
	return owner + "|" + evaluationID
}

func errorDetail(msg string) json.RawMessage {
	if msg == "" {
		return nil
	}
	return mustJSON(map[string]string{"error": msg})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
