// Copyright 2026 The Deskmetrics Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock gives every timing decision in this module — spool
// rotation timeouts, publish-cycle scheduling, exponential backoff,
// salt-window computation — an injectable source of "now" instead of
// a direct call into the time package.
//
// The tracker's maxJournalTime, the publisher's backoff delay, and
// the scheduler's self-rescheduling tasks all depend on durations
// elapsing in a specific order relative to one another; driving that
// with time.Sleep in a test would make timing-dependent assertions
// flaky or painfully slow. Real() wraps the standard library for
// production; Fake() exposes an Advance method that moves time forward
// instantly and deterministically, firing whatever timers, tickers,
// and sleeps the advance makes due.
//
// # Wiring Pattern
//
// Components that schedule work take a Clock instead of calling
// time.Now or time.AfterFunc directly:
//
//	type JournalingTracker struct {
//	    clock clock.Clock
//	    sched *scheduler.Scheduler
//	    // ...
//	}
//
// Production wiring uses the real clock:
//
//	tracker, err := tracker.New(spoolDir, clock.Real(), sched, logger)
//
// A test drives the same tracker against a fake one, advancing past a
// rotation timeout without waiting on a wall-clock timer:
//
//	fake := clock.Fake(time.Unix(1700000000, 0))
//	tracker, _ := tracker.New(spoolDir, fake, scheduler.New(fake), logger)
//	tracker.SetMaxJournalTime(time.Minute)
//	tracker.Log(payload)
//	fake.WaitForTimers(1)     // wait for the rotation timeout to register
//	fake.Advance(time.Minute) // fires it; the active file rotates
//
// # FakeClock Synchronization
//
// Registering a timer (via Sleep, After, NewTicker, or AfterFunc) and
// advancing the clock happen from different goroutines in every
// caller in this module — Log submits its rotation check onto the
// scheduler's worker goroutine while the test goroutine calls Advance.
// WaitForTimers closes that race: it blocks until the expected number
// of timers are registered, so Advance always fires the timer the test
// meant to fire rather than racing ahead of it.
package clock
