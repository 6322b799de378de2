// ABOUTME: One-shot timer whose Cancel is idempotent and safe after it fired
// ABOUTME: Used for pong deadlines, request deadlines, and disconnect grace periods

package agent

import (
	"sync"
	"time"
)

// Timer runs a function once after a delay unless cancelled first.
// Cancelling a fired or already-cancelled Timer is a no-op.
type Timer struct {
	mu       sync.Mutex
	t        *time.Timer
	fired    bool
	canceled bool
}

// AfterFunc schedules f to run after d.
func AfterFunc(d time.Duration, f func()) *Timer {
	tm := &Timer{}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.t = time.AfterFunc(d, func() {
		tm.mu.Lock()
		if tm.canceled {
			tm.mu.Unlock()
			return
		}
		tm.fired = true
		tm.mu.Unlock()
		f()
	})
	return tm
}

// Cancel prevents f from running. Reports whether this call stopped it.
func (tm *Timer) Cancel() bool {
	if tm == nil {
		return false
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.fired || tm.canceled {
		return false
	}
	tm.canceled = true
	tm.t.Stop()
	return true
}

// Fired reports whether f has started running.
func (tm *Timer) Fired() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.fired
}
