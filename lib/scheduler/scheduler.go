// Copyright 2026 The Deskmetrics Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler provides the single-threaded task execution model
// the tracker and publisher run on: tasks submitted to a [Scheduler]
// never run concurrently with each other, and delayed tasks are
// driven by a [clock.Clock] so tests can advance a fake clock instead
// of sleeping.
package scheduler

import (
	"sync"
	"time"

	"github.com/openporch/deskmetrics/lib/clock"
)

// Scheduler runs submitted tasks one at a time, in the order their
// delay elapses (immediate tasks run in submission order relative to
// other immediate tasks). It is the concurrency boundary the tracker
// and publisher rely on to order their work: any code running inside a
// task is guaranteed not to race with any other task on the same
// Scheduler.
type Scheduler struct {
	clock clock.Clock

	queue chan func()

	mu      sync.Mutex
	failure func(error)

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// New creates a Scheduler backed by clk and starts its worker
// goroutine. Call Close to stop it.
func New(clk clock.Clock) *Scheduler {
	s := &Scheduler{
		clock:  clk,
		queue:  make(chan func(), 64),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		select {
		case task := <-s.queue:
			task()
		case <-s.closed:
			return
		}
	}
}

// Submit enqueues task to run as soon as the worker goroutine is
// free. Submit does not block on task's execution.
func (s *Scheduler) Submit(task func()) {
	select {
	case s.queue <- task:
	case <-s.closed:
	}
}

// SetFailureHandler registers handler to receive fatal errors
// reported from inside tasks via [Scheduler.Fail]. The host sets this
// once at wiring time; passing nil restores the default behavior
// (Fail returns false and the reporting component logs the error
// itself).
func (s *Scheduler) SetFailureHandler(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = handler
}

// Fail reports an unrecoverable error raised by a running task, such
// as a spool write failure the tracker cannot retry. It returns true
// if a failure handler consumed the error, false if no handler is set
// and the caller should log it.
func (s *Scheduler) Fail(err error) bool {
	s.mu.Lock()
	handler := s.failure
	s.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(err)
	return true
}

// Handle cancels a task scheduled with [Scheduler.Schedule]. Calling
// Cancel after the task has already fired is a no-op.
type Handle struct {
	timer *clock.Timer
}

// Cancel prevents the scheduled task from running, if it has not
// already started.
func (h Handle) Cancel() {
	if h.timer != nil {
		h.timer.Stop()
	}
}

// Schedule enqueues task to run on the worker goroutine after delay
// elapses. The returned Handle can cancel the task before it fires.
// If delay <= 0, task is submitted immediately.
func (s *Scheduler) Schedule(task func(), delay time.Duration) Handle {
	timer := s.clock.AfterFunc(delay, func() {
		s.Submit(task)
	})
	return Handle{timer: timer}
}

// Close stops the worker goroutine after any in-flight task
// completes. Close is idempotent and safe to call more than once.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	<-s.done
}
