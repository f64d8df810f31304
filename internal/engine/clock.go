package engine

import (
	"sync"
	"time"
)

// DefaultTickInterval is the slowest tick rate a Clock accepts.
const DefaultTickInterval = time.Second

// TimeSource supplies the current time.
type TimeSource interface {
	Now() time.Time
}

// Timer is the cancellation token of a scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs a callback once after a delay.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock is the production TimeSource and Scheduler.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Clock counts down to a deadline. Remaining time is always recomputed
// from the deadline, so missed or delayed ticks never cause drift.
type Clock struct {
	now      TimeSource
	sched    Scheduler
	interval time.Duration

	mu        sync.Mutex
	deadline  time.Time
	timer     Timer
	gen       uint64
	running   bool
	expired   bool
	onTick    func(remaining time.Duration)
	onExpired func()
}

// NewClock builds a Clock. Intervals above one second are clamped so the
// tick rate never drops below 1 Hz.
func NewClock(now TimeSource, sched Scheduler, interval time.Duration) *Clock {
	if interval <= 0 || interval > DefaultTickInterval {
		interval = DefaultTickInterval
	}
	return &Clock{now: now, sched: sched, interval: interval}
}

// Start begins ticking towards deadline. onTick receives the remaining time
// on every tick; onExpired fires exactly once when no time remains.
// Calling Start on a running or expired clock is a no-op.
func (c *Clock) Start(deadline time.Time, onTick func(remaining time.Duration), onExpired func()) {
	c.mu.Lock()
	if c.running || c.expired {
		c.mu.Unlock()
		return
	}
	if onTick == nil {
		onTick = func(time.Duration) {}
	}
	if onExpired == nil {
		onExpired = func() {}
	}
	c.deadline = deadline
	c.onTick = onTick
	c.onExpired = onExpired
	c.running = true
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.fire(gen)
}

// Sync recomputes the remaining time immediately, e.g. after the host
// process was suspended. It may fire the expiry.
func (c *Clock) Sync() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()

	c.fire(gen)
}

// Cancel stops the clock. It is a no-op after expiry.
func (c *Clock) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Remaining returns the time left before the deadline, never negative.
func (c *Clock) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remainingLocked()
}

// Expired reports whether the expiry event has fired.
func (c *Clock) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}

func (c *Clock) remainingLocked() time.Duration {
	if c.deadline.IsZero() {
		return 0
	}
	r := c.deadline.Sub(c.now.Now())
	if r < 0 {
		return 0
	}
	return r
}

func (c *Clock) fire(gen uint64) {
	c.mu.Lock()
	// Stale callbacks from a superseded schedule are dropped.
	if !c.running || gen != c.gen {
		c.mu.Unlock()
		return
	}

	remaining := c.remainingLocked()
	if remaining <= 0 {
		c.running = false
		c.expired = true
		c.timer = nil
		onTick, onExpired := c.onTick, c.onExpired
		c.mu.Unlock()

		onTick(0)
		onExpired()
		return
	}

	next := c.interval
	if remaining < next {
		next = remaining
	}
	c.timer = c.sched.AfterFunc(next, func() { c.fire(gen) })
	onTick := c.onTick
	c.mu.Unlock()

	onTick(remaining)
}
