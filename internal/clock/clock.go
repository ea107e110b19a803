// Package clock abstracts time so the kiosk client timers and the session
// services can be driven deterministically in tests.
package clock

import "time"

// Clock is injected wherever code would otherwise call the time package directly.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer cancels it.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker wraps a periodic timer
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stopFunc() }

// Timer is a pending AfterFunc call
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the call. Returns false if it already fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }
