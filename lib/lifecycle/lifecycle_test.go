// Copyright 2026 The Deskmetrics Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"log/slog"
	"testing"
	"time"

	"github.com/openporch/deskmetrics/lib/clock"
	"github.com/openporch/deskmetrics/lib/envshim"
	"github.com/openporch/deskmetrics/lib/publisher"
	"github.com/openporch/deskmetrics/lib/scheduler"
	"github.com/openporch/deskmetrics/lib/settings"
	"github.com/openporch/deskmetrics/lib/tracker"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *clock.FakeClock) {
	t.Helper()
	home := t.TempDir()
	env := envshim.Map{"ANDROID_SDK_HOME": home}
	fake := clock.Fake(time.Unix(1700000000, 0))
	store := settings.NewStore(env, fake)
	logger := slog.New(slog.DiscardHandler)
	return New(store, fake, logger, env, OSInfo{Name: "test-os", MajorVersion: "1", FullVersion: "1.0"}), fake
}

func TestStartsWithNullVariants(t *testing.T) {
	c, _ := newTestCoordinator(t)

	if _, ok := c.Tracker().(tracker.NullTracker); !ok {
		t.Fatalf("initial tracker = %T, want NullTracker", c.Tracker())
	}
	if _, ok := c.Publisher().(publisher.NullPublisher); !ok {
		t.Fatalf("initial publisher = %T, want NullPublisher", c.Publisher())
	}
}

func TestOptInInstallsActiveVariants(t *testing.T) {
	c, fake := newTestCoordinator(t)
	sched := scheduler.New(fake)
	defer sched.Close()

	current, err := c.UpdateSettingsAndTracker(true, sched)
	if err != nil {
		t.Fatalf("UpdateSettingsAndTracker: %v", err)
	}
	if !current.HasOptedIn {
		t.Fatal("expected settings to record opt-in")
	}
	if _, ok := c.Tracker().(*tracker.JournalingTracker); !ok {
		t.Fatalf("tracker = %T, want *JournalingTracker", c.Tracker())
	}

	if err := c.UpdatePublisher(current, sched); err != nil {
		t.Fatalf("UpdatePublisher: %v", err)
	}
	if _, ok := c.Publisher().(*publisher.HTTPPublisher); !ok {
		t.Fatalf("publisher = %T, want *HTTPPublisher", c.Publisher())
	}

	c.Close()
}

func TestOptOutRevertsToNullVariants(t *testing.T) {
	c, fake := newTestCoordinator(t)
	sched := scheduler.New(fake)
	defer sched.Close()

	current, err := c.UpdateSettingsAndTracker(true, sched)
	if err != nil {
		t.Fatalf("UpdateSettingsAndTracker(true): %v", err)
	}
	if err := c.UpdatePublisher(current, sched); err != nil {
		t.Fatalf("UpdatePublisher: %v", err)
	}

	current, err = c.UpdateSettingsAndTracker(false, sched)
	if err != nil {
		t.Fatalf("UpdateSettingsAndTracker(false): %v", err)
	}
	if current.HasOptedIn {
		t.Fatal("expected settings to record opt-out")
	}
	if err := c.UpdatePublisher(current, sched); err != nil {
		t.Fatalf("UpdatePublisher: %v", err)
	}

	if _, ok := c.Tracker().(tracker.NullTracker); !ok {
		t.Fatalf("tracker = %T, want NullTracker after opt-out", c.Tracker())
	}
	if _, ok := c.Publisher().(publisher.NullPublisher); !ok {
		t.Fatalf("publisher = %T, want NullPublisher after opt-out", c.Publisher())
	}

	c.Close()
}
