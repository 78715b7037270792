// Copyright 2026 The Deskmetrics Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock holding initial as its current time. Time
// stands still until Advance is called; every pending timer, ticker,
// or sleep registered against it fires only once Advance pushes the
// clock past its deadline.
//
// FakeClock is safe for concurrent use — the tracker and publisher
// both register rotation/backoff timers from their scheduler's worker
// goroutine while a test's goroutine calls Advance.
func Fake(initial time.Time) *FakeClock {
	fc := &FakeClock{current: initial}
	fc.pendingChanged = sync.NewCond(&fc.mu)
	return fc
}

// FakeClock is the deterministic Clock used throughout this module's
// test suites. Time advances only on Advance; nothing here ever reads
// the wall clock.
//
// AfterFunc callbacks run synchronously, inline within Advance, in
// deadline order. A callback must not itself call Sleep on the same
// FakeClock — it would block the goroutine running Advance while
// waiting for an Advance that can then never come.
type FakeClock struct {
	mu             sync.Mutex
	current        time.Time
	pending        []*pendingWait
	pendingChanged *sync.Cond
}

// pendingWait is one registered timer, ticker, or sleep: something
// that becomes due once the clock reaches deadline.
type pendingWait struct {
	deadline time.Time

	// fire receives the expiry time for After/Sleep/ticker waits. Nil
	// for AfterFunc waits.
	fire chan time.Time

	// invoke runs synchronously during Advance for AfterFunc waits.
	// Nil for After/Sleep/ticker waits.
	invoke func()

	// every is non-zero for ticker waits; after firing, the wait is
	// rescheduled at deadline + every instead of being dropped.
	every time.Duration

	// canceled is set by Timer.Stop / Ticker.Stop. A canceled wait is
	// skipped by Advance and dropped from the pending list.
	canceled bool

	// done marks a one-shot wait (After/AfterFunc) that already fired,
	// guarding against a second Advance re-firing it.
	done bool
}

// Now returns the clock's current (fake) time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After registers a wait that delivers on its channel once d has
// elapsed. d <= 0 delivers immediately without registering anything.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}

	c.register(&pendingWait{deadline: c.current.Add(d), fire: ch})
	return ch
}

// AfterFunc schedules f to run once d has elapsed. The returned
// Timer's C is always nil. d <= 0 runs f synchronously before
// AfterFunc returns — this is how the scheduler package submits work
// with no delay without special-casing it.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()

	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{
			stopFunc:  func() bool { return false },
			resetFunc: func(time.Duration) bool { return false },
		}
	}

	w := &pendingWait{deadline: c.current.Add(d), invoke: f}
	c.register(w)
	c.mu.Unlock()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if w.canceled || w.done {
				return false
			}
			w.canceled = true
			return true
		},
		resetFunc: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasPending := !w.canceled && !w.done
			w.canceled = false
			w.done = false
			w.deadline = c.current.Add(d)
			if !wasPending {
				// A fired or canceled wait was already dropped from
				// the pending list; Reset brings it back.
				c.register(w)
			}
			return wasPending
		},
	}
}

// NewTicker registers a recurring wait that delivers on its channel
// every d until Stop is called. Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &pendingWait{deadline: c.current.Add(d), fire: ch, every: d}
	c.register(w)

	return &Ticker{
		C: ch,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.canceled = true
		},
		resetFunc: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.every = d
			w.deadline = c.current.Add(d)
			w.canceled = false
		},
	}
}

// Sleep blocks the calling goroutine until the clock advances past
// d from now. d <= 0 returns immediately.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// register appends w to the pending list and wakes any WaitForTimers
// callers. Caller must hold c.mu.
func (c *FakeClock) register(w *pendingWait) {
	c.pending = append(c.pending, w)
	c.pendingChanged.Broadcast()
}

// Advance moves the clock forward by d and runs every wait whose
// deadline now falls at or before the new time, in deadline order.
//
// AfterFunc callbacks run inline, in the calling goroutine — a
// rotation-timeout callback that itself schedules the next rotation
// (as the tracker and publisher both do) sees its reschedule picked
// up by the same Advance call if the new deadline is still within
// range. Channel sends for After/Sleep/ticker waits never block;
// a receiver that isn't ready yet simply misses the tick, matching
// time.Ticker.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		due := c.collectDue(target)
		if len(due) == 0 {
			return
		}
		for _, w := range due {
			switch {
			case w.invoke != nil:
				w.invoke()
			case w.fire != nil:
				select {
				case w.fire <- target:
				default:
				}
			}
		}
	}
}

// collectDue removes every due, non-canceled wait from the pending
// list, reschedules the ticker ones, and returns the due waits sorted
// by deadline so Advance runs them in a deterministic order.
func (c *FakeClock) collectDue(target time.Time) []*pendingWait {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, keep []*pendingWait
	for _, w := range c.pending {
		if w.canceled {
			continue
		}
		if w.deadline.After(target) {
			keep = append(keep, w)
			continue
		}
		due = append(due, w)
	}

	for _, w := range due {
		if w.every > 0 {
			w.deadline = w.deadline.Add(w.every)
			keep = append(keep, w)
		} else {
			w.done = true
		}
	}
	c.pending = keep

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	return due
}

// WaitForTimers blocks until at least n timers, tickers, or sleeps are
// pending. Every test in this module's packages that schedules a
// rotation timeout or publish cycle on a background goroutine calls
// this before Advance, closing the race between that goroutine
// registering its wait and the test moving time past it.
//
// Example, mirroring how the tracker schedules its rotation timeout:
//
//	tracker.SetMaxJournalTime(time.Minute)
//	fake.WaitForTimers(1)
//	fake.Advance(time.Minute)
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeCountLocked() < n {
		c.pendingChanged.Wait()
	}
}

// PendingCount returns the number of active (non-canceled,
// not-yet-fired) pending waits.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeCountLocked()
}

func (c *FakeClock) activeCountLocked() int {
	n := 0
	for _, w := range c.pending {
		if !w.canceled {
			n++
		}
	}
	return n
}
