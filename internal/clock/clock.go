// ABOUTME: Clock abstraction over time.Now and time.AfterFunc
// ABOUTME: Real wraps the time package, Fake is advanced manually in tests

package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a one-shot timer armed by AfterFunc.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// Clock is the time source for timer-owning components.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is the wall clock.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Fake is a manually advanced clock. Timers fire synchronously inside
// Advance, in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

// NewFake returns a Fake clock positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc registers fn to run once the clock is advanced past d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTimer{clock: f, deadline: f.now.Add(d), fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward by d and runs every timer whose deadline
// has been reached. Callbacks run without the clock lock held, so they may
// arm new timers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.nextDueLocked(target)
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.now = next.deadline
		next.fired = true
		f.mu.Unlock()

		next.fn()
	}
}

// Skip moves the clock forward by d without running any timer, as a
// suspended process would see it on wake-up.
func (f *Fake) Skip(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Pending returns the deadlines of timers that have neither fired nor been
// stopped, earliest first.
func (f *Fake) Pending() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []time.Time
	for _, t := range f.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.deadline)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (f *Fake) nextDueLocked(target time.Time) *fakeTimer {
	var next *fakeTimer
	live := f.timers[:0]
	for _, t := range f.timers {
		if t.stopped || t.fired {
			continue
		}
		live = append(live, t)
		if t.deadline.After(target) {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) {
			next = t
		}
	}
	f.timers = live
	return next
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
