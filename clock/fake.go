package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a Clock whose time only moves when Advance or Set is called.
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order, without the clock's lock held.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	callback func()
	ticks    chan time.Time
	interval time.Duration
	stopped  bool
	fired    bool
}

// NewFake returns a Fake clock starting at initial.
func NewFake(initial time.Time) *Fake {
	return &Fake{now: initial}
}

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.now
}

// AfterFunc registers f to run once the clock is advanced past d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	w := &waiter{deadline: f.now.Add(d), callback: fn}
	f.waiters = append(f.waiters, w)

	return &fakeTimer{clock: f, waiter: w}
}

// NewTicker returns a ticker firing every d of fake time.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	w := &waiter{
		deadline: f.now.Add(d),
		ticks:    make(chan time.Time, 1),
		interval: d,
	}
	f.waiters = append(f.waiters, w)

	return &fakeTicker{clock: f, waiter: w}
}

// Pending returns the number of timers and tickers that have not fired
// or been stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0

	for _, w := range f.waiters {
		if !w.stopped && !w.fired {
			count++
		}
	}

	return count
}

// Set jumps the clock to t, firing anything that became due.
func (f *Fake) Set(t time.Time) {
	f.Advance(t.Sub(f.Now()))
}

// Advance moves the clock forward by d and fires every due waiter.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		due := f.collect(target)
		if len(due) == 0 {
			return
		}

		for _, w := range due {
			if w.callback != nil {
				w.callback()

				continue
			}

			select {
			case w.ticks <- target:
			default:
			}
		}
	}
}

// collect removes due one-shot waiters, reschedules tickers, and
// returns what should fire, sorted by deadline.
func (f *Fake) collect(target time.Time) []*waiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		due       []*waiter
		remaining []*waiter
	)

	for _, w := range f.waiters {
		switch {
		case w.stopped || w.fired:
			continue
		case w.deadline.After(target):
			remaining = append(remaining, w)
		case w.interval > 0:
			due = append(due, w)
			w.deadline = w.deadline.Add(w.interval)
			remaining = append(remaining, w)
		default:
			w.fired = true
			due = append(due, w)
		}
	}

	f.waiters = remaining

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})

	return due
}

type fakeTimer struct {
	clock  *Fake
	waiter *waiter
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.waiter.stopped || t.waiter.fired {
		return false
	}

	t.waiter.stopped = true

	return true
}

type fakeTicker struct {
	clock  *Fake
	waiter *waiter
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.waiter.ticks
}

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	t.waiter.stopped = true
}
