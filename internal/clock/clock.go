// Package clock abstracts time so that schedule arithmetic and timers can
// be driven manually in tests. Production code uses RealClock; tests use
// MockClock and advance it explicitly.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source used by the scheduler and playback sessions.
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// After returns a channel that receives the current time once d has elapsed
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f in its own goroutine once d has elapsed.
	// The returned Timer can cancel the call via Stop.
	AfterFunc(d time.Duration, f func()) Timer

	// Since returns the time elapsed since t
	Since(t time.Time) time.Duration
}

// Timer is a cancellable single-shot event.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool

	// Reset re-arms the timer to fire after d. It reports whether the
	// timer was still active when reset.
	Reset(d time.Duration) bool
}

// RealClock delegates to the standard time package.
type RealClock struct{}

func NewRealClock() *RealClock {
	return &RealClock{}
}

func (c *RealClock) Now() time.Time {
	return time.Now()
}

func (c *RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (c *RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{timer: time.AfterFunc(d, f)}
}

func (c *RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) Stop() bool {
	return t.timer.Stop()
}

func (t *realTimer) Reset(d time.Duration) bool {
	return t.timer.Reset(d)
}

// MockClock is a manually driven Clock for tests. Time only moves when
// Advance or Set is called; expired timers fire during that call, in
// deadline order, outside the clock lock.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*mockTimer
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{current: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *MockClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.AfterFunc(d, func() {
		ch <- c.Now()
	})
	return ch
}

func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &mockTimer{
		clock:    c,
		deadline: c.current.Add(d),
		f:        f,
	}
	c.timers = append(c.timers, t)
	return t
}

func (c *MockClock) Since(t time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Sub(t)
}

// Advance moves the clock forward by d and fires every timer whose
// deadline has passed.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current

	var due []*mockTimer
	remaining := c.timers[:0]
	for _, t := range c.timers {
		t.mu.Lock()
		expired := !t.stopped && !t.deadline.After(now)
		live := !t.stopped && t.deadline.After(now)
		t.mu.Unlock()
		if expired {
			due = append(due, t)
		} else if live {
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})

	// Fire outside the lock so handlers can schedule new timers.
	for _, t := range due {
		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			continue
		}
		t.stopped = true
		f := t.f
		t.mu.Unlock()
		f()
	}
}

// Set jumps the clock to t. Moving forward fires expired timers; moving
// backward only rewinds the current time.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	prev := c.current
	c.mu.Unlock()

	if t.After(prev) {
		c.Advance(t.Sub(prev))
		return
	}
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

type mockTimer struct {
	clock    *MockClock
	deadline time.Time
	f        func()
	stopped  bool
	mu       sync.Mutex
}

func (t *mockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	active := !t.stopped
	t.stopped = true
	return active
}

func (t *mockTimer) Reset(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	active := !t.stopped
	t.stopped = false

	t.clock.mu.Lock()
	t.deadline = t.clock.current.Add(d)
	if !active {
		t.clock.timers = append(t.clock.timers, t)
	}
	t.clock.mu.Unlock()

	return active
}
