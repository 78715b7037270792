// Copyright 2026 The Deskmetrics Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the source of "now" and of delayed execution for every
// timing decision in this module: the tracker's rotation timeout, the
// publisher's self-rescheduling publish cycle and backoff delay, and
// the settings store's salt-window computation all take a Clock
// instead of calling the time package directly, so a test can replace
// wall-clock waiting with instant, deterministic advancement.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. Equivalent to time.After. If d <= 0, the
	// channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for duration d, then calls f, and returns a
	// Timer that can cancel the pending call via Stop. The Timer's C
	// field is nil, matching time.AfterFunc. The scheduler package
	// builds its delayed-task handles directly on top of this. If
	// d <= 0, f runs immediately — in a new goroutine for the real
	// clock, synchronously for the fake one.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks on its C channel at
	// interval d. Panics if d <= 0. Equivalent to time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least duration d.
	// Equivalent to time.Sleep.
	Sleep(d time.Duration)
}

// Ticker wraps a periodic timer. Read ticks from C; call Stop once the
// ticker is no longer needed.
//
// C has capacity 1, matching time.Ticker: a consumer that falls behind
// sees ticks dropped rather than queued.
type Ticker struct {
	// C delivers ticks. Buffered with capacity 1.
	C <-chan time.Time

	stopFunc  func()
	resetFunc func(time.Duration)
}

// Stop turns off the ticker. No further ticks are sent on C once Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }

// Reset changes the ticker's interval and restarts its tick cycle; the
// next tick arrives after the new duration elapses.
func (t *Ticker) Reset(d time.Duration) { t.resetFunc(d) }

// Timer represents a scheduled, cancelable call to a function,
// produced by AfterFunc. Its C field is always nil — unlike
// time.Timer, this package never hands callers a bare fire-channel
// timer, since every caller in this module schedules work via a
// callback (directly, or through [scheduler.Scheduler.Schedule]).
type Timer struct {
	// C is always nil for Timers returned by AfterFunc.
	C <-chan time.Time

	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the Timer's function from running. Returns true if
// this call stopped it, false if it had already fired or been
// stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset reschedules the Timer to fire after duration d. Returns true
// if the timer was still pending before the reset.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }
