// Package clock abstracts time for the sync engine so that debounce windows,
// operation deadlines, and reconnect backoff are testable without real timers.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and timer primitives.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that delivers the time after d elapses.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a ticker firing every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors time.Ticker behind an interface.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// System returns a Clock backed by the time package.
func System() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (systemClock) NewTicker(d time.Duration) Ticker       { return systemTicker{time.NewTicker(d)} }

type systemTicker struct {
	t *time.Ticker
}

func (st systemTicker) C() <-chan time.Time { return st.t.C }
func (st systemTicker) Stop()               { st.t.Stop() }

// Fake is a manually advanced Clock for tests.
//
// Advance moves the fake time forward and fires any timers or tickers whose
// deadline passed, in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	period   time.Duration // zero for one-shot After timers
	ch       chan time.Time
	stopped  bool
}

// NewFake returns a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After registers a one-shot timer firing when the fake time passes d.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	w := &fakeWaiter{
		deadline: f.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	f.waiters = append(f.waiters, w)
	return w.ch
}

// NewTicker registers a repeating timer with period d.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()

	w := &fakeWaiter{
		deadline: f.now.Add(d),
		period:   d,
		ch:       make(chan time.Time, 1),
	}
	f.waiters = append(f.waiters, w)
	return &fakeTicker{clock: f, w: w}
}

type fakeTicker struct {
	clock *Fake
	w     *fakeWaiter
}

func (ft *fakeTicker) C() <-chan time.Time { return ft.w.ch }

func (ft *fakeTicker) Stop() {
	ft.clock.mu.Lock()
	defer ft.clock.mu.Unlock()
	ft.w.stopped = true
}

// Advance moves the clock forward by d, firing due timers in order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)

	for {
		// Find the earliest due waiter.
		var next *fakeWaiter
		for _, w := range f.waiters {
			if w.stopped || w.deadline.After(target) {
				continue
			}
			if next == nil || w.deadline.Before(next.deadline) {
				next = w
			}
		}
		if next == nil {
			break
		}

		f.now = next.deadline
		select {
		case next.ch <- f.now:
		default:
			// Receiver hasn't drained the last tick; drop like time.Ticker.
		}

		if next.period > 0 {
			next.deadline = next.deadline.Add(next.period)
		} else {
			next.stopped = true
		}
	}

	f.now = target
	f.mu.Unlock()
}
