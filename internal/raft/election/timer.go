// Package election implements the Election Timer: a randomized timeout
// that fires a direct callback when no valid leader traffic or granted
// vote has reset it in time. The timer runs a time.Timer in its own
// goroutine and invokes the callback directly rather than publishing an
// event through a bus: there is exactly one listener (the replica driving
// its own election), so the extra indirection buys nothing.
package election

import (
	"math/rand"
	"sync"
	"time"
)

// Timer fires onExpire, in its own goroutine, after a random duration in
// [timeoutMin, 2*timeoutMin) has elapsed without a Reset call.
type Timer struct {
	timeoutMin time.Duration
	onExpire   func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// New creates a Timer with the given minimum timeout and starts it
// immediately. onExpire is invoked from the timer's own goroutine; callers
// that touch shared state from it must synchronize internally.
func New(timeoutMin time.Duration, onExpire func()) *Timer {
	t := &Timer{timeoutMin: timeoutMin, onExpire: onExpire}
	t.timer = time.AfterFunc(t.randomTimeout(), t.fire)
	return t
}

func (t *Timer) randomTimeout() time.Duration {
	return t.timeoutMin + time.Duration(rand.Int63n(int64(t.timeoutMin)))
}

func (t *Timer) fire() {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return
	}
	t.onExpire()
}

// Reset restarts the countdown with a fresh random duration, as happens on
// valid AppendEntries, a granted vote, or becoming Leader.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.timer.Reset(t.randomTimeout())
}

// Stop permanently disables the timer; a pending callback that fired just
// before Stop returns is suppressed by the stopped flag rather than raced
// against.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.timer.Stop()
}
