// Package clock is an injectable time source. Production code uses Real();
// tests use Fake() and move time forward explicitly with Advance, so timer
// driven state machines (self-check, heartbeat, session grace) can be
// exercised without sleeping.
package clock

import "time"

// Clock is the subset of the time package the tracker and client use.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f after d. The returned Timer cancels the call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a cancellable scheduled call.
type Timer struct {
	stop func() bool
}

// Stop prevents the timer from firing. It reports whether the call was
// still pending.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}
