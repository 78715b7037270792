// Copyright 2026 The Deskmetrics Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracker implements the durable, rotating spool writer that
// turns logged events into completed ".trk" files for the publisher
// to pick up.
package tracker

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/openporch/deskmetrics/lib/clock"
	"github.com/openporch/deskmetrics/lib/scheduler"
	"github.com/openporch/deskmetrics/lib/spoolrecord"
)

// ErrClosed is returned by Log after Close. Logging after close is a
// programmer error, not a transient condition; callers must not
// retry.
var ErrClosed = errors.New("tracker already closed")

// ErrLocked reports that a spool file could not be locked because
// another process already holds its exclusive lock. Any other lock
// failure means the filesystem failed or refused to lock, which is a
// different condition from contention and is wrapped as-is.
var ErrLocked = errors.New("spool file is locked by another process")

// Tracker accepts events from the host application.
type Tracker interface {
	// Log submits event for durable, asynchronous persistence.
	Log(payload []byte) error

	// SetMaxJournalSize sets the number of events after which the
	// active spool file is rotated. A value <= 0 disables
	// size-triggered rotation.
	SetMaxJournalSize(count int)

	// SetMaxJournalTime sets the duration after which the active
	// spool file is rotated even if it has not reached its size
	// limit. A value <= 0 disables time-triggered rotation.
	SetMaxJournalTime(d time.Duration)

	// Close stops accepting new events, releases the active spool
	// file, and cancels any pending rotation timeout. Close is
	// idempotent.
	Close() error
}

// JournalingTracker is the active, opted-in Tracker implementation.
// It owns exactly one active spool file at a time, appending
// length-delimited records to it and rotating to a new file when a
// size or time limit is reached.
//
// Writes and the rotations they or the timeout trigger happen inside
// tasks submitted to sched; SetMaxJournalSize, SetMaxJournalTime, and
// Close change state directly on the calling goroutine. The gate mutex
// guards shared fields between those callers and the tasks; it is not
// relied on for ordering between tasks, since sched already serializes
// those.
type JournalingTracker struct {
	spoolDir string
	clock    clock.Clock
	sched    *scheduler.Scheduler
	logger   *slog.Logger

	gate sync.Mutex

	lockedFile *os.File
	writer     *bufio.Writer
	logCount   int

	maxJournalSize int
	maxJournalTime time.Duration

	journalTimeout  scheduler.Handle
	scheduleVersion int
	closed          bool
}

// New creates a JournalingTracker writing into spoolDir, immediately
// opening and locking the first spool file. Construction fails if the
// spool directory cannot be created or the first file cannot be
// locked.
func New(spoolDir string, clk clock.Clock, sched *scheduler.Scheduler, logger *slog.Logger) (*JournalingTracker, error) {
	t := &JournalingTracker{
		spoolDir: spoolDir,
		clock:    clk,
		sched:    sched,
		logger:   logger,
	}

	if err := t.rotateIn(); err != nil {
		return nil, fmt.Errorf("initialize first usage tracking spool file: %w", err)
	}
	return t, nil
}

// rotateIn creates a new spool file with a random name and locks it
// for exclusive, non-blocking writing. Caller must hold t.gate.
func (t *JournalingTracker) rotateIn() error {
	if err := os.MkdirAll(t.spoolDir, 0o755); err != nil {
		return fmt.Errorf("create spool directory: %w", err)
	}

	path := filepath.Join(t.spoolDir, uuid.NewString()+".trk")
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open spool file %s: %w", path, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("lock spool file %s: %w", path, ErrLocked)
		}
		return fmt.Errorf("lock spool file %s: %w", path, err)
	}

	t.lockedFile = file
	t.writer = bufio.NewWriter(file)
	t.logCount = 0
	return nil
}

// rotateOut flushes and releases the active spool file, if any.
// Caller must hold t.gate.
func (t *JournalingTracker) rotateOut() error {
	if t.lockedFile == nil {
		return nil
	}

	var flushErr error
	if t.writer != nil {
		flushErr = t.writer.Flush()
	}
	unix.Flock(int(t.lockedFile.Fd()), unix.LOCK_UN)
	closeErr := t.lockedFile.Close()
	t.lockedFile = nil
	t.writer = nil

	if flushErr != nil {
		return fmt.Errorf("flush spool file: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close spool file: %w", closeErr)
	}
	return nil
}

// switchTrackFile closes the current spool file and opens a new one.
// Caller must hold t.gate.
func (t *JournalingTracker) switchTrackFile() error {
	if err := t.rotateOut(); err != nil {
		return fmt.Errorf("switch usage tracking spool file: %w", err)
	}
	if err := t.rotateIn(); err != nil {
		return fmt.Errorf("switch usage tracking spool file: %w", err)
	}
	return nil
}

// Log submits payload for durable persistence. The write itself
// happens asynchronously on the scheduler.
func (t *JournalingTracker) Log(payload []byte) error {
	t.gate.Lock()
	closed := t.closed
	t.gate.Unlock()
	if closed {
		return ErrClosed
	}

	t.sched.Submit(func() {
		t.gate.Lock()
		defer t.gate.Unlock()

		if t.closed || t.lockedFile == nil {
			return
		}

		event := spoolrecord.LogEvent{EventTimeMs: t.clock.Now().UnixMilli(), Payload: payload}
		if err := spoolrecord.WriteRecord(t.writer, event); err != nil {
			t.failLocked(fmt.Errorf("write event to usage tracking spool file: %w", err))
			return
		}
		if err := t.writer.Flush(); err != nil {
			t.failLocked(fmt.Errorf("flush usage tracking spool file: %w", err))
			return
		}
		if err := t.lockedFile.Sync(); err != nil {
			t.failLocked(fmt.Errorf("sync usage tracking spool file: %w", err))
			return
		}

		t.logCount++
		if t.maxJournalSize > 0 && t.logCount >= t.maxJournalSize {
			if err := t.switchTrackFile(); err != nil {
				t.failLocked(err)
				return
			}
			if t.maxJournalTime > 0 {
				// The log count just reset; restart the timeout window
				// from now so a just-rotated file gets the full window.
				t.scheduleJournalTimeoutLocked(t.maxJournalTime)
			}
		}
	})

	return nil
}

// failLocked handles an unrecoverable write or rotation failure: it
// reports the error to the scheduler's failure handler (logging it
// when none is set) and leaves the tracker closed and inert — the
// tracker never retries a failed write. Caller must hold t.gate.
func (t *JournalingTracker) failLocked(err error) {
	if !t.sched.Fail(err) {
		t.logger.Error("unrecoverable usage tracking failure, disabling tracker", "error", err)
	}
	t.closed = true
	t.journalTimeout.Cancel()
	t.scheduleVersion++
	t.rotateOut()
}

// SetMaxJournalSize sets the rotation threshold by event count.
func (t *JournalingTracker) SetMaxJournalSize(count int) {
	t.gate.Lock()
	defer t.gate.Unlock()
	t.maxJournalSize = count
}

// SetMaxJournalTime sets the rotation threshold by elapsed time and
// (re)schedules the rotation timeout.
func (t *JournalingTracker) SetMaxJournalTime(d time.Duration) {
	t.gate.Lock()
	defer t.gate.Unlock()
	t.maxJournalTime = d
	t.scheduleJournalTimeoutLocked(d)
}

// scheduleJournalTimeoutLocked cancels any pending rotation timeout
// and schedules a new self-rescheduling one. Caller must hold t.gate.
//
// The task captures its own scheduleVersion: if a later reschedule
// (triggered by a size rotation or a new SetMaxJournalTime call) bumps
// t.scheduleVersion before this task runs, the task still rotates once
// if there is pending data, but does not reschedule itself again — it
// has been superseded. After Close the task does nothing.
func (t *JournalingTracker) scheduleJournalTimeoutLocked(d time.Duration) {
	t.journalTimeout.Cancel()
	if d <= 0 {
		return
	}

	t.scheduleVersion++
	version := t.scheduleVersion

	t.journalTimeout = t.sched.Schedule(func() {
		t.gate.Lock()
		defer t.gate.Unlock()

		if t.closed {
			return
		}
		if t.logCount > 0 {
			if err := t.switchTrackFile(); err != nil {
				t.failLocked(err)
				return
			}
		}
		if t.scheduleVersion == version {
			t.scheduleJournalTimeoutLocked(d)
		}
	}, d)
}

// Close stops accepting new events and releases the active spool
// file. Close is idempotent.
func (t *JournalingTracker) Close() error {
	t.gate.Lock()
	defer t.gate.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.journalTimeout.Cancel()
	t.scheduleVersion++
	return t.rotateOut()
}

// NullTracker discards every event. It is installed when the user has
// not opted in to reporting.
type NullTracker struct{}

// Log discards payload.
func (NullTracker) Log([]byte) error { return nil }

// SetMaxJournalSize is a no-op.
func (NullTracker) SetMaxJournalSize(int) {}

// SetMaxJournalTime is a no-op.
func (NullTracker) SetMaxJournalTime(time.Duration) {}

// Close is a no-op.
func (NullTracker) Close() error { return nil }

var (
	_ Tracker = (*JournalingTracker)(nil)
	_ Tracker = NullTracker{}
)
