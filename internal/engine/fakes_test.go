package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// manualClock is a TimeSource and Scheduler driven by Advance.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward, firing due timers in order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *manualTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

// Jump moves time without firing anything, like a suspended process.
func (c *manualClock) Jump(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *manualClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

var errBackendDown = errors.New("backend down")

type fakeBackend struct {
	mu sync.Mutex

	grants     []*AttemptGrant
	startCalls int

	submitted  [][]SubmittedAnswer
	submitErrs []error
	release    chan struct{}
	entered    chan struct{}
	score      *float64

	feedback    []string
	feedbackErr error
	tp          []TPSubmission
	tpErr       error

	result    *ExamResult
	resultErr error
	certs     []Certificate
	certErr   error
}

func (b *fakeBackend) StartAttempt(_ context.Context, evaluationID string) (*AttemptGrant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startCalls >= len(b.grants) {
		return nil, errBackendDown
	}
	g := b.grants[b.startCalls]
	b.startCalls++
	return g, nil
}

func (b *fakeBackend) SubmitAttempt(_ context.Context, _ string, answers []SubmittedAnswer) (*SubmitAck, error) {
	b.mu.Lock()
	b.submitted = append(b.submitted, answers)
	var err error
	if len(b.submitErrs) > 0 {
		err = b.submitErrs[0]
		b.submitErrs = b.submitErrs[1:]
	}
	release, entered, score := b.release, b.entered, b.score
	b.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	return &SubmitAck{Score: score}, nil
}

func (b *fakeBackend) SubmitFeedback(_ context.Context, _ string, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.feedback = append(b.feedback, text)
	return b.feedbackErr
}

func (b *fakeBackend) SubmitTP(_ context.Context, _ string, sub TPSubmission) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tp = append(b.tp, sub)
	return b.tpErr
}

func (b *fakeBackend) GetExamResults(context.Context, string) (*ExamResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result, b.resultErr
}

func (b *fakeBackend) GetMyCertificates(context.Context) ([]Certificate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.certs, b.certErr
}

func (b *fakeBackend) submitCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.submitted)
}

func (b *fakeBackend) setSubmitErrs(errs ...error) {
	b.mu.Lock()
	b.submitErrs = errs
	b.mu.Unlock()
}

type fakeUploader struct {
	mu    sync.Mutex
	url   string
	err   error
	calls int
}

func (u *fakeUploader) Upload(context.Context, File) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	return u.url, u.err
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) listen(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) transitions() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Kind == EventTransition {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) ticks() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []time.Duration
	for _, ev := range l.events {
		if ev.Kind == EventTick {
			out = append(out, ev.Remaining)
		}
	}
	return out
}

func testQuestions(n int) []Question {
	qs := make([]Question, n)
	for i := range qs {
		qs[i] = Question{
			ID:      "q" + string(rune('a'+i)),
			Prompt:  "prompt",
			Kind:    KindSingleChoice,
			Choices: []string{"A", "B", "C", "D"},
		}
	}
	return qs
}

func grantAt(clk *manualClock, id string, n int, d time.Duration) *AttemptGrant {
	now := clk.Now()
	return &AttemptGrant{
		AttemptID:    id,
		EvaluationID: "eval-1",
		CourseID:     "course-1",
		Questions:    testQuestions(n),
		StartedAt:    now,
		DeadlineAt:   now.Add(d),
	}
}

type harness struct {
	clock    *manualClock
	backend  *fakeBackend
	uploader *fakeUploader
	events   *eventLog
	session  *Session
}

func newHarness(t *testing.T, retryLimit int, grants ...func(*manualClock) *AttemptGrant) *harness {
	t.Helper()
	clk := newManualClock()
	fb := &fakeBackend{}
	for _, g := range grants {
		fb.grants = append(fb.grants, g(clk))
	}
	if len(fb.grants) == 0 {
		fb.grants = []*AttemptGrant{grantAt(clk, "attempt-1", 5, 600*time.Second)}
	}
	h := &harness{clock: clk, backend: fb, uploader: &fakeUploader{url: "https://files.example/tp.pdf"}, events: &eventLog{}}

	s, err := Start(context.Background(), h.deps(retryLimit), "eval-1")
	require.NoError(t, err)
	h.session = s
	t.Cleanup(func() {
		s.Close()
		s.Coordinator.Wait()
	})
	return h
}

func (h *harness) deps(retryLimit int) Deps {
	return Deps{
		Backend:      h.backend,
		Uploader:     h.uploader,
		Time:         h.clock,
		Sched:        h.clock,
		Listener:     h.events.listen,
		Logger:       zerolog.Nop(),
		TickInterval: time.Second,
		RetryLimit:   retryLimit,
	}
}

func ptr[T any](v T) *T { return &v }
