// Copyright 2026 The Deskmetrics Authors
// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openporch/deskmetrics/lib/clock"
	"github.com/openporch/deskmetrics/lib/scheduler"
	"github.com/openporch/deskmetrics/lib/spoolrecord"
)

func newTestTracker(t *testing.T) (*JournalingTracker, string, *clock.FakeClock, *scheduler.Scheduler) {
	t.Helper()
	dir := t.TempDir()
	fake := clock.Fake(time.Unix(0, 0))
	sched := scheduler.New(fake)
	t.Cleanup(sched.Close)

	tr, err := New(dir, fake, sched, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr, dir, fake, sched
}

// drain submits a barrier task and waits for it, ensuring every task
// submitted before this call has finished running.
func drain(t *testing.T, sched *scheduler.Scheduler) {
	t.Helper()
	done := make(chan struct{})
	sched.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not drain in time")
	}
}

func completedFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var files []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".trk" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files
}

func readEvents(t *testing.T, path string) []spoolrecord.LogEvent {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	events, err := spoolrecord.ReadAllRecords(f)
	if err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	return events
}

func TestLogWritesToActiveFile(t *testing.T) {
	tr, dir, _, sched := newTestTracker(t)

	if err := tr.Log([]byte("event-1")); err != nil {
		t.Fatalf("Log: %v", err)
	}
	drain(t, sched)

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files := completedFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("len(files) = %d, want 1", len(files))
	}
	events := readEvents(t, files[0])
	if len(events) != 1 || string(events[0].Payload) != "event-1" {
		t.Fatalf("events = %+v, want one event-1", events)
	}
}

func TestSizeTriggeredRotation(t *testing.T) {
	tr, dir, _, sched := newTestTracker(t)
	tr.SetMaxJournalSize(2)

	for i := 0; i < 3; i++ {
		if err := tr.Log([]byte("e")); err != nil {
			t.Fatalf("Log: %v", err)
		}
		drain(t, sched)
	}
	tr.Close()

	files := completedFiles(t, dir)
	if len(files) != 2 {
		t.Fatalf("len(files) = %d, want 2 (one full with the first two events, one with the third)", len(files))
	}

	total := 0
	for _, f := range files {
		total += len(readEvents(t, f))
	}
	if total != 3 {
		t.Fatalf("total events = %d, want 3", total)
	}
}

func TestTimeoutTriggeredRotation(t *testing.T) {
	tr, dir, fake, sched := newTestTracker(t)
	tr.SetMaxJournalTime(5 * time.Second)

	if err := tr.Log([]byte("e")); err != nil {
		t.Fatalf("Log: %v", err)
	}
	drain(t, sched)

	fake.WaitForTimers(1)
	fake.Advance(5 * time.Second)
	drain(t, sched)

	tr.Close()

	files := completedFiles(t, dir)
	if len(files) != 2 {
		t.Fatalf("len(files) = %d, want 2", len(files))
	}
}

func TestIdleTimeoutProducesNoEmptyFile(t *testing.T) {
	tr, dir, fake, sched := newTestTracker(t)
	tr.SetMaxJournalTime(5 * time.Second)

	fake.WaitForTimers(1)
	fake.Advance(5 * time.Second)
	drain(t, sched)
	fake.WaitForTimers(1)
	fake.Advance(5 * time.Second)
	drain(t, sched)

	tr.Close()

	files := completedFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("len(files) = %d, want 1 (no rotation while idle)", len(files))
	}
	if len(readEvents(t, files[0])) != 0 {
		t.Fatalf("expected the single file to be empty")
	}
}

func TestZeroMaxJournalTimeDisablesTimeoutRotation(t *testing.T) {
	tr, dir, fake, sched := newTestTracker(t)
	tr.SetMaxJournalTime(5 * time.Second)
	fake.WaitForTimers(1)
	tr.SetMaxJournalTime(0)

	if err := tr.Log([]byte("e")); err != nil {
		t.Fatalf("Log: %v", err)
	}
	drain(t, sched)
	fake.Advance(time.Hour)
	drain(t, sched)

	tr.Close()

	files := completedFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("len(files) = %d, want 1 (timeout rotation disabled)", len(files))
	}
}

func TestLogAfterCloseFails(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Log([]byte("e")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Log after Close = %v, want ErrClosed", err)
	}
}

func TestWriteFailureReportsToSchedulerAndDisablesTracker(t *testing.T) {
	tr, _, _, sched := newTestTracker(t)

	failures := make(chan error, 1)
	sched.SetFailureHandler(func(err error) { failures <- err })

	// Pull the file out from under the tracker so the next write's
	// flush fails.
	tr.gate.Lock()
	tr.lockedFile.Close()
	tr.gate.Unlock()

	if err := tr.Log([]byte("e")); err != nil {
		t.Fatalf("Log: %v", err)
	}
	drain(t, sched)

	select {
	case <-failures:
	case <-time.After(time.Second):
		t.Fatal("expected the write failure to reach the scheduler's failure handler")
	}

	if err := tr.Log([]byte("e")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Log after fatal write failure = %v, want ErrClosed", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)
	if err := tr.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestNullTrackerDiscardsEverything(t *testing.T) {
	var tr NullTracker
	if err := tr.Log([]byte("x")); err != nil {
		t.Fatalf("Log: %v", err)
	}
	tr.SetMaxJournalSize(10)
	tr.SetMaxJournalTime(time.Second)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
