package engine

import "sync"

// Cursor tracks the question currently on screen, bounded to [0, N-1].
type Cursor struct {
	mu      sync.Mutex
	n       int
	current int
}

// NewCursor creates a cursor over n questions positioned at the first one.
func NewCursor(n int) *Cursor {
	if n < 0 {
		n = 0
	}
	return &Cursor{n: n}
}

// GoTo moves to index i, clamped into range, and returns the new position.
func (c *Cursor) GoTo(i int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.clamp(i)
	return c.current
}

// Next moves one question forward.
func (c *Cursor) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.clamp(c.current + 1)
	return c.current
}

// Previous moves one question back.
func (c *Cursor) Previous() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.clamp(c.current - 1)
	return c.current
}

// Current returns the current index.
func (c *Cursor) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Len returns the number of questions.
func (c *Cursor) Len() int { return c.n }

func (c *Cursor) clamp(i int) int {
	if c.n == 0 || i < 0 {
		return 0
	}
	if i > c.n-1 {
		return c.n - 1
	}
	return i
}

// Progress is the answered fraction of the ledger. It is derived on every
// call so it can never disagree with the ledger.
func Progress(l *Ledger) float64 {
	n := l.Len()
	if n == 0 {
		return 0
	}
	return float64(l.AnsweredCount()) / float64(n)
}
