package engine

import (
	"slices"
	"sync"
)

// Snapshot is an immutable copy of the ledger's answers.
type Snapshot struct {
	answers map[int]Answer
}

// Get returns the answer recorded at index i.
func (s Snapshot) Get(i int) (Answer, bool) {
	a, ok := s.answers[i]
	if !ok {
		return Answer{}, false
	}
	return a.clone(), true
}

// Len returns the number of answered questions in the snapshot.
func (s Snapshot) Len() int { return len(s.answers) }

// Answers returns a copy of the snapshot keyed by question index.
func (s Snapshot) Answers() map[int]Answer {
	out := make(map[int]Answer, len(s.answers))
	for i, a := range s.answers {
		out[i] = a.clone()
	}
	return out
}

// Payload renders the snapshot as a submission payload ordered by index.
func (s Snapshot) Payload(questions []Question) []SubmittedAnswer {
	idx := make([]int, 0, len(s.answers))
	for i := range s.answers {
		idx = append(idx, i)
	}
	slices.Sort(idx)

	out := make([]SubmittedAnswer, 0, len(idx))
	for _, i := range idx {
		a := s.answers[i]
		sa := SubmittedAnswer{Index: i, Value: a.Value}
		if len(a.Values) > 0 {
			sa.Values = append([]string(nil), a.Values...)
		}
		if i < len(questions) {
			sa.QuestionID = questions[i].ID
		}
		out = append(out, sa)
	}
	return out
}

// LedgerChange describes a single answer mutation.
type LedgerChange struct {
	Index   int
	Answer  Answer
	Removed bool
}

// Ledger maps question indices to answers and keeps a separate set of
// review flags. Flags never enter submission payloads.
type Ledger struct {
	mu        sync.RWMutex
	questions []Question
	answers   map[int]Answer
	flags     map[int]struct{}
	locked    bool
	observer  func(LedgerChange)
}

// NewLedger creates an empty ledger for the given questions.
func NewLedger(questions []Question) *Ledger {
	return &Ledger{
		questions: questions,
		answers:   make(map[int]Answer),
		flags:     make(map[int]struct{}),
	}
}

// SetObserver registers fn to be called after every accepted mutation.
func (l *Ledger) SetObserver(fn func(LedgerChange)) {
	l.mu.Lock()
	l.observer = fn
	l.mu.Unlock()
}

// Len returns the number of questions.
func (l *Ledger) Len() int { return len(l.questions) }

// Set records an answer. The zero answer clears the entry.
func (l *Ledger) Set(i int, a Answer) error {
	if a.IsZero() {
		return l.Unset(i)
	}

	l.mu.Lock()
	if l.locked {
		l.mu.Unlock()
		return ErrLedgerLocked
	}
	if err := l.checkIndex(i); err != nil {
		l.mu.Unlock()
		return err
	}
	if err := validateAnswer(l.questions[i], a); err != nil {
		l.mu.Unlock()
		return err
	}
	stored := a.clone()
	l.answers[i] = stored
	obs := l.observer
	l.mu.Unlock()

	if obs != nil {
		obs(LedgerChange{Index: i, Answer: stored.clone()})
	}
	return nil
}

// Unset clears the answer at index i.
func (l *Ledger) Unset(i int) error {
	l.mu.Lock()
	if l.locked {
		l.mu.Unlock()
		return ErrLedgerLocked
	}
	if err := l.checkIndex(i); err != nil {
		l.mu.Unlock()
		return err
	}
	_, had := l.answers[i]
	delete(l.answers, i)
	obs := l.observer
	l.mu.Unlock()

	if obs != nil && had {
		obs(LedgerChange{Index: i, Removed: true})
	}
	return nil
}

// Get returns a copy of the answer at index i.
func (l *Ledger) Get(i int) (Answer, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.answers[i]
	if !ok {
		return Answer{}, false
	}
	return a.clone(), true
}

// IsAnswered reports whether index i holds an answer.
func (l *Ledger) IsAnswered(i int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.answers[i]
	return ok
}

// AnsweredCount returns how many questions hold an answer.
func (l *Ledger) AnsweredCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.answers)
}

// Snapshot returns a deep copy of the current answers.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

// Lock freezes the ledger and returns the answers as they stood at that
// instant. Locking an already locked ledger returns the current contents.
func (l *Ledger) Lock() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked = true
	return l.snapshotLocked()
}

// Locked reports whether answer mutations are refused.
func (l *Ledger) Locked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.locked
}

// unlock reopens the ledger; only the coordinator may call it.
func (l *Ledger) unlock() {
	l.mu.Lock()
	l.locked = false
	l.mu.Unlock()
}

// Flag marks index i for review.
func (l *Ledger) Flag(i int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkIndex(i); err != nil {
		return err
	}
	l.flags[i] = struct{}{}
	return nil
}

// Unflag removes the review mark from index i.
func (l *Ledger) Unflag(i int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkIndex(i); err != nil {
		return err
	}
	delete(l.flags, i)
	return nil
}

// IsFlagged reports whether index i is marked for review.
func (l *Ledger) IsFlagged(i int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.flags[i]
	return ok
}

// Flags returns the flagged indices in ascending order.
func (l *Ledger) Flags() []int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]int, 0, len(l.flags))
	for i := range l.flags {
		out = append(out, i)
	}
	slices.Sort(out)
	return out
}

func (l *Ledger) checkIndex(i int) error {
	if i < 0 || i >= len(l.questions) {
		return ErrIndexOutOfRange
	}
	return nil
}

func (l *Ledger) snapshotLocked() Snapshot {
	answers := make(map[int]Answer, len(l.answers))
	for i, a := range l.answers {
		answers[i] = a.clone()
	}
	return Snapshot{answers: answers}
}

func validateAnswer(q Question, a Answer) error {
	switch q.Kind {
	case KindSingleChoice:
		if len(a.Values) > 0 {
			return &ValidationError{Field: "values", Reason: "single choice takes one value"}
		}
		if len(q.Choices) > 0 && !slices.Contains(q.Choices, a.Value) {
			return &ValidationError{Field: "value", Reason: "not one of the offered choices"}
		}
	case KindMultiChoice:
		if a.Value != "" {
			return &ValidationError{Field: "value", Reason: "multi choice takes a list of values"}
		}
		seen := make(map[string]struct{}, len(a.Values))
		for _, v := range a.Values {
			if _, dup := seen[v]; dup {
				return &ValidationError{Field: "values", Reason: "duplicate choice " + v}
			}
			seen[v] = struct{}{}
			if len(q.Choices) > 0 && !slices.Contains(q.Choices, v) {
				return &ValidationError{Field: "values", Reason: "not one of the offered choices"}
			}
		}
	case KindFreeText:
		if len(a.Values) > 0 {
			return &ValidationError{Field: "values", Reason: "free text takes one value"}
		}
	}
	return nil
}
