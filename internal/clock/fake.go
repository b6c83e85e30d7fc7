package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time stands still until Advance is
// called; AfterFunc callbacks then run synchronously in the advancing
// goroutine, in deadline order.
//
// Callbacks may schedule new timers, but must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	f        func()
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{now: initial}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to run once the clock has advanced by d. A
// non-positive d is due at the next Advance, including Advance(0).
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	w := &fakeWaiter{deadline: c.now.Add(d), f: f}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.stopped || w.fired {
			return false
		}
		w.stopped = true
		return true
	}}
}

// Advance moves the clock forward by d, firing every timer whose deadline
// is reached along the way, including timers scheduled by callbacks during
// the advance. While a callback runs, Now reports that timer's deadline.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		w := c.popDue(target)
		if w == nil {
			break
		}
		w.f()
	}

	c.mu.Lock()
	c.now = target
	c.mu.Unlock()
}

// popDue removes and returns the earliest waiter due at or before target,
// moving the clock to its deadline.
func (c *FakeClock) popDue(target time.Time) *fakeWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.stopped {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	if len(c.waiters) == 0 {
		return nil
	}
	sort.SliceStable(c.waiters, func(i, j int) bool {
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})
	w := c.waiters[0]
	if w.deadline.After(target) {
		return nil
	}
	c.waiters = c.waiters[1:]
	w.fired = true
	if w.deadline.After(c.now) {
		c.now = w.deadline
	}
	return w
}

// Pending returns the number of timers that have neither fired nor been
// stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			n++
		}
	}
	return n
}

// NextDeadline returns the earliest pending deadline, or false when no
// timer is pending.
func (c *FakeClock) NextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var next time.Time
	found := false
	for _, w := range c.waiters {
		if w.stopped || w.fired {
			continue
		}
		if !found || w.deadline.Before(next) {
			next = w.deadline
			found = true
		}
	}
	return next, found
}
