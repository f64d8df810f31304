package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-gateway/internal/backend"
	"github.com/stemsi/exstem-gateway/internal/config"
	"github.com/stemsi/exstem-gateway/internal/engine"
	"github.com/stemsi/exstem-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnavailable = errors.New("backend unavailable")

// stillClock never fires timers; tests move it with Add.
type stillClock struct {
	mu  sync.Mutex
	now time.Time
}

type stillTimer struct{}

func (stillTimer) Stop() bool { return true }

func (c *stillClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stillClock) AfterFunc(time.Duration, func()) engine.Timer { return stillTimer{} }

func (c *stillClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubBackend struct {
	mu        sync.Mutex
	clock     *stillClock
	nextID    int
	starts    int
	submitErr error
	score     float64

	// fixedID makes every grant reuse one attempt id.
	fixedID string
	entered chan struct{}
	release chan struct{}
}

func (b *stubBackend) StartAttempt(_ context.Context, evaluationID string) (*engine.AttemptGrant, error) {
	b.mu.Lock()
	entered, release := b.entered, b.release
	b.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	b.nextID++
	id := "attempt-" + string(rune('0'+b.nextID))
	if b.fixedID != "" {
		id = b.fixedID
	}
	now := b.clock.Now()
	return &engine.AttemptGrant{
		AttemptID:    id,
		EvaluationID: evaluationID,
		CourseID:     "course-1",
		Questions: []engine.Question{
			{ID: "q1", Kind: engine.KindSingleChoice, Choices: []string{"A", "B"}},
			{ID: "q2", Kind: engine.KindSingleChoice, Choices: []string{"A", "B"}},
			{ID: "q3", Kind: engine.KindFreeText},
		},
		StartedAt:  now,
		DeadlineAt: now.Add(10 * time.Minute),
	}, nil
}

func (b *stubBackend) startCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts
}

func (b *stubBackend) SubmitAttempt(context.Context, string, []engine.SubmittedAnswer) (*engine.SubmitAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return nil, b.submitErr
	}
	score := b.score
	return &engine.SubmitAck{Score: &score}, nil
}

func (b *stubBackend) SubmitFeedback(context.Context, string, string) error { return nil }

func (b *stubBackend) SubmitTP(context.Context, string, engine.TPSubmission) error { return nil }

func (b *stubBackend) GetExamResults(context.Context, string) (*engine.ExamResult, error) {
	return nil, backend.ErrResultsNotReady
}

func (b *stubBackend) GetMyCertificates(context.Context) ([]engine.Certificate, error) {
	return nil, nil
}

type memJournal struct {
	mu        sync.Mutex
	events    []model.AttemptEvent
	snapshots []model.AnswerSnapshot
}

func (j *memJournal) PushEvent(_ context.Context, e model.AttemptEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
	return nil
}

func (j *memJournal) PushSnapshot(_ context.Context, s model.AnswerSnapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.snapshots = append(j.snapshots, s)
	return nil
}

func (j *memJournal) kinds() []model.EventKind {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]model.EventKind, 0, len(j.events))
	for _, e := range j.events {
		out = append(out, e.Kind)
	}
	return out
}

type countingHub struct {
	mu    sync.Mutex
	count map[string]int
}

func (h *countingHub) Broadcast(attemptID string, _ engine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == nil {
		h.count = make(map[string]int)
	}
	h.count[attemptID]++
}

type sessionFixture struct {
	svc     *SessionService
	clock   *stillClock
	backend *stubBackend
	journal *memJournal
	hub     *countingHub
	mr      *miniredis.Miniredis
	creds   backend.Credentials
	ctx     context.Context
}

func newSessionFixture(t *testing.T, retryLimit int) *sessionFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	pinHash, err := HashPIN("2468")
	require.NoError(t, err)
	cfg := &config.Config{
		TickInterval:     time.Second,
		SubmitRetryLimit: retryLimit,
		SessionIdle:      30 * time.Minute,
		ProctorPINHash:   pinHash,
	}

	clk := &stillClock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	f := &sessionFixture{
		clock:   clk,
		backend: &stubBackend{clock: clk, score: 80},
		journal: &memJournal{},
		hub:     &countingHub{},
		mr:      mr,
		creds:   backend.Credentials{Subject: "student-7", Token: "tok"},
	}
	f.ctx = backend.WithCredentials(context.Background(), f.creds)
	f.svc = NewSessionService(SessionServiceDeps{
		Config:      cfg,
		Backend:     f.backend,
		Redis:       rdb,
		Journal:     f.journal,
		Broadcaster: f.hub,
		Auth:        NewAuthService(cfg),
		Clock:       clk,
		Logger:      zerolog.Nop(),
	})
	t.Cleanup(f.svc.Shutdown)
	return f
}

func TestStartReturnsLiveSessionForSameEvaluation(t *testing.T) {
	f := newSessionFixture(t, 3)

	v1, err := f.svc.Start(f.ctx, f.creds, "eval-1")
	require.NoError(t, err)
	v2, err := f.svc.Start(f.ctx, f.creds, "eval-1")
	require.NoError(t, err)

	assert.Equal(t, v1.Attempt.AttemptID, v2.Attempt.AttemptID)
	assert.Equal(t, 1, f.backend.starts)
	assert.Equal(t, 600, v1.RemainingSeconds)

	got, err := f.mr.Get(config.CacheKey.StudentActiveAttemptKey("student-7", "eval-1"))
	require.NoError(t, err)
	assert.Equal(t, v1.Attempt.AttemptID, got)
}

func TestAnswersAreMirroredAndJournaled(t *testing.T) {
	f := newSessionFixture(t, 3)
	v, err := f.svc.Start(f.ctx, f.creds, "eval-1")
	require.NoError(t, err)
	id := v.Attempt.AttemptID

	_, err = f.svc.SetAnswer("student-7", id, 0, engine.Answer{Value: "B"})
	require.NoError(t, err)
	_, err = f.svc.SetAnswer("student-7", id, 2, engine.Answer{Value: "my essay"})
	require.NoError(t, err)
	_, err = f.svc.ClearAnswer("student-7", id, 2)
	require.NoError(t, err)

	live, err := f.svc.LiveAnswers(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, map[int]engine.Answer{0: {Value: "B"}}, live)

	assert.Equal(t, []model.EventKind{model.EventKindAnswer, model.EventKindAnswer, model.EventKindAnswer}, f.journal.kinds())
}

func TestOtherSubjectCannotSeeAttempt(t *testing.T) {
	f := newSessionFixture(t, 3)
	v, err := f.svc.Start(f.ctx, f.creds, "eval-1")
	require.NoError(t, err)

	_, err = f.svc.View("student-8", v.Attempt.AttemptID)
	assert.ErrorIs(t, err, ErrAttemptNotFound)
	_, err = f.svc.SetAnswer("student-8", v.Attempt.AttemptID, 0, engine.Answer{Value: "A"})
	assert.ErrorIs(t, err, ErrAttemptNotFound)
	assert.ErrorIs(t, f.svc.Authorize("student-8", v.Attempt.AttemptID), ErrAttemptNotFound)
}

func TestMoveValidatesAction(t *testing.T) {
	f := newSessionFixture(t, 3)
	v, err := f.svc.Start(f.ctx, f.creds, "eval-1")
	require.NoError(t, err)
	id := v.Attempt.AttemptID

	v, err = f.svc.Move("student-7", id, "next", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Current)

	target := 9
	v, err = f.svc.Move("student-7", id, "goto", &target)
	require.NoError(t, err)
	assert.Equal(t, 2, v.Current)

	_, err = f.svc.Move("student-7", id, "goto", nil)
	assert.ErrorIs(t, err, ErrInvalidMove)
	_, err = f.svc.Move("student-7", id, "sideways", nil)
	assert.ErrorIs(t, err, ErrInvalidMove)
}

func TestSubmitPersistsSnapshotAndStatus(t *testing.T) {
	f := newSessionFixture(t, 3)
	v, err := f.svc.Start(f.ctx, f.creds, "eval-1")
	require.NoError(t, err)
	id := v.Attempt.AttemptID
	_, err = f.svc.SetAnswer("student-7", id, 1, engine.Answer{Value: "A"})
	require.NoError(t, err)
	_, err = f.svc.SetFlag("student-7", id, 2, true)
	require.NoError(t, err)

	v, err = f.svc.Submit(context.Background(), "student-7", id)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusAwaitingFeedback, v.Attempt.Status)

	require.Len(t, f.journal.snapshots, 1)
	snap := f.journal.snapshots[0]
	assert.Equal(t, "eval-1", snap.EvaluationID)
	assert.Equal(t, "student-7", snap.Subject)
	assert.Equal(t, []int{2}, snap.Flags)
	assert.JSONEq(t, `{"1":{"value":"A"}}`, string(snap.Answers))

	status, err := f.mr.Get(config.CacheKey.AttemptStatusKey(id))
	require.NoError(t, err)
	assert.Equal(t, string(engine.StatusAwaitingFeedback), status)

	var transitions []model.AttemptEvent
	for _, e := range f.journal.events {
		if e.Kind == model.EventKindTransition {
			transitions = append(transitions, e)
		}
	}
	require.Len(t, transitions, 2)
	assert.Equal(t, "IN_PROGRESS", transitions[0].FromStatus)
	assert.Equal(t, "SUBMITTING", transitions[0].ToStatus)
	assert.Equal(t, "user", transitions[0].Trigger)
	assert.Positive(t, f.hub.count[id])
}

func TestReopenRequiresProctorPIN(t *testing.T) {
	f := newSessionFixture(t, 3)
	v, err := f.svc.Start(f.ctx, f.creds, "eval-1")
	require.NoError(t, err)
	id := v.Attempt.AttemptID
	f.backend.submitErr = errUnavailable

	_, err = f.svc.Submit(context.Background(), "student-7", id)
	require.ErrorIs(t, err, engine.ErrSubmissionFailed)

	_, err = f.svc.Reopen(id, "1111")
	assert.ErrorIs(t, err, ErrInvalidPIN)

	v, err = f.svc.Reopen(id, "2468")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusInProgress, v.Attempt.Status)

	_, err = f.svc.Reopen("attempt-unknown", "2468")
	assert.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestRetakeReplacesRegisteredAttempt(t *testing.T) {
	f := newSessionFixture(t, 0)
	v, err := f.svc.Start(f.ctx, f.creds, "eval-1")
	require.NoError(t, err)
	first := v.Attempt.AttemptID
	f.backend.submitErr = errUnavailable

	_, err = f.svc.Submit(context.Background(), "student-7", first)
	require.Error(t, err)

	next, decision, err := f.svc.Retake(f.ctx, "student-7", first)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.NotEqual(t, first, next.Attempt.AttemptID)

	_, err = f.svc.View("student-7", first)
	assert.ErrorIs(t, err, ErrAttemptNotFound)

	again, err := f.svc.Start(f.ctx, f.creds, "eval-1")
	require.NoError(t, err)
	assert.Equal(t, next.Attempt.AttemptID, again.Attempt.AttemptID)
	assert.Contains(t, f.journal.kinds(), model.EventKindRetake)
}

func TestReapIdleKeepsInProgressSessions(t *testing.T) {
	f := newSessionFixture(t, 3)
	active, err := f.svc.Start(f.ctx, f.creds, "eval-1")
	require.NoError(t, err)
	settled, err := f.svc.Start(f.ctx, f.creds, "eval-2")
	require.NoError(t, err)

	_, err = f.svc.Submit(context.Background(), "student-7", settled.Attempt.AttemptID)
	require.NoError(t, err)
	_, err = f.svc.SubmitFeedback(context.Background(), "student-7", settled.Attempt.AttemptID, "clear questions")
	require.NoError(t, err)

	assert.Zero(t, f.svc.ReapIdle(f.clock.Now().Add(time.Minute)))

	f.clock.Add(31 * time.Minute)
	assert.Equal(t, 1, f.svc.ReapIdle(f.clock.Now()))

	_, err = f.svc.View("student-7", settled.Attempt.AttemptID)
	assert.ErrorIs(t, err, ErrAttemptNotFound)
	_, err = f.svc.View("student-7", active.Attempt.AttemptID)
	assert.NoError(t, err)
	assert.False(t, f.mr.Exists(config.CacheKey.StudentActiveAttemptKey("student-7", "eval-2")))
}

func TestCloseForgetsSession(t *testing.T) {
	f := newSessionFixture(t, 3)
	v, err := f.svc.Start(f.ctx, f.creds, "eval-1")
	require.NoError(t, err)

	require.NoError(t, f.svc.Close("student-7", v.Attempt.AttemptID))
	assert.ErrorIs(t, f.svc.Close("student-7", v.Attempt.AttemptID), ErrAttemptNotFound)

	v2, err := f.svc.Start(f.ctx, f.creds, "eval-1")
	require.NoError(t, err)
	assert.NotEqual(t, v.Attempt.AttemptID, v2.Attempt.AttemptID)
}

func TestConcurrentStartsShareOneSession(t *testing.T) {
	f := newSessionFixture(t, 3)
	f.backend.entered = make(chan struct{}, 2)
	f.backend.release = make(chan struct{})

	var wg sync.WaitGroup
	views := make([]engine.View, 2)
	errs := make([]error, 2)
	for i := range views {
		wg.Add(1)
		go func() {
			defer wg.Done()
			views[i], errs[i] = f.svc.Start(f.ctx, f.creds, "eval-1")
		}()
	}
	<-f.backend.entered
	close(f.backend.release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, views[0].Attempt.AttemptID, views[1].Attempt.AttemptID)
	assert.Equal(t, 1, f.backend.startCount())
	assert.Equal(t, 1, f.svc.Count())
}

func TestDuplicateGrantKeepsRegisteredSession(t *testing.T) {
	f := newSessionFixture(t, 3)
	f.backend.fixedID = "attempt-shared"

	v, err := f.svc.Start(f.ctx, f.creds, "eval-1")
	require.NoError(t, err)

	other := backend.Credentials{Subject: "student-8", Token: "tok-8"}
	_, err = f.svc.Start(backend.WithCredentials(context.Background(), other), other, "eval-1")
	assert.ErrorIs(t, err, engine.ErrAttemptReused)

	assert.Equal(t, 1, f.svc.Count())
	again, err := f.svc.View("student-7", v.Attempt.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusInProgress, again.Attempt.Status)
	_, err = f.svc.View("student-8", v.Attempt.AttemptID)
	assert.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestStartAfterPassDoesNotOpenNewAttempt(t *testing.T) {
	f := newSessionFixture(t, 3)
	v, err := f.svc.Start(f.ctx, f.creds, "eval-1")
	require.NoError(t, err)
	id := v.Attempt.AttemptID

	_, err = f.svc.Submit(context.Background(), "student-7", id)
	require.NoError(t, err)
	_, err = f.svc.SubmitFeedback(context.Background(), "student-7", id, "clear questions")
	require.NoError(t, err)

	_, err = f.svc.Start(f.ctx, f.creds, "eval-1")
	assert.ErrorIs(t, err, engine.ErrRetakeNotAllowed)
	assert.Equal(t, 1, f.backend.startCount())

	done, err := f.svc.View("student-7", id)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, done.Attempt.Status)
}

func TestStartAfterFailedGradeReplacesAttempt(t *testing.T) {
	f := newSessionFixture(t, 3)
	f.backend.score = 40
	v, err := f.svc.Start(f.ctx, f.creds, "eval-1")
	require.NoError(t, err)
	first := v.Attempt.AttemptID

	_, err = f.svc.Submit(context.Background(), "student-7", first)
	require.NoError(t, err)
	_, err = f.svc.SubmitFeedback(context.Background(), "student-7", first, "clear questions")
	require.NoError(t, err)

	next, err := f.svc.Start(f.ctx, f.creds, "eval-1")
	require.NoError(t, err)
	assert.NotEqual(t, first, next.Attempt.AttemptID)
	assert.Equal(t, engine.StatusInProgress, next.Attempt.Status)
	assert.Equal(t, 2, f.backend.startCount())
	assert.Equal(t, 1, f.svc.Count())

	_, err = f.svc.View("student-7", first)
	assert.ErrorIs(t, err, ErrAttemptNotFound)
	assert.Contains(t, f.journal.kinds(), model.EventKindRetake)
}
