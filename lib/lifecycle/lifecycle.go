// Copyright 2026 The Deskmetrics Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle installs and swaps the process-wide tracker and
// publisher based on the user's opt-in choice, without relying on
// package-level globals: callers construct one [Coordinator] and keep
// it for the process's lifetime (or, in tests, one per test case).
package lifecycle

import (
	"log/slog"
	"sync"

	"github.com/openporch/deskmetrics/lib/clock"
	"github.com/openporch/deskmetrics/lib/envshim"
	"github.com/openporch/deskmetrics/lib/paths"
	"github.com/openporch/deskmetrics/lib/publisher"
	"github.com/openporch/deskmetrics/lib/scheduler"
	"github.com/openporch/deskmetrics/lib/settings"
	"github.com/openporch/deskmetrics/lib/spoolrecord"
	"github.com/openporch/deskmetrics/lib/tracker"
)

// OSInfo is the host-supplied, out-of-scope OS/CPU classification
// this package needs to build a publisher's client info. Hosts
// implement it however they classify their own platform; the
// coordinator never inspects runtime.GOOS itself.
type OSInfo struct {
	Name         string
	MajorVersion string
	FullVersion  string
}

// Coordinator owns the current tracker and publisher for one process
// and swaps them when the opt-in flag changes.
type Coordinator struct {
	settings *settings.Store
	clock    clock.Clock
	logger   *slog.Logger
	env      envshim.Lookup
	osInfo   OSInfo

	mu        sync.Mutex
	tracker   tracker.Tracker
	publisher publisher.Publisher
}

// New creates a Coordinator with both tracker and publisher in their
// Null state. Call UpdateSettingsAndTracker to install the real
// variants once the user's opt-in choice is known.
func New(store *settings.Store, clk clock.Clock, logger *slog.Logger, env envshim.Lookup, osInfo OSInfo) *Coordinator {
	return &Coordinator{
		settings:  store,
		clock:     clk,
		logger:    logger,
		env:       env,
		osInfo:    osInfo,
		tracker:   tracker.NullTracker{},
		publisher: publisher.NullPublisher{},
	}
}

// Tracker returns the currently installed tracker. Never nil.
func (c *Coordinator) Tracker() tracker.Tracker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker
}

// Publisher returns the currently installed publisher. Never nil.
func (c *Coordinator) Publisher() publisher.Publisher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publisher
}

// UpdateSettingsAndTracker persists the given opt-in choice if it
// differs from the stored value, closes the current tracker, and
// installs a JournalingTracker (if opted in) or a NullTracker
// (otherwise) that runs on sched. It returns the resulting settings
// document.
func (c *Coordinator) UpdateSettingsAndTracker(optIn bool, sched *scheduler.Scheduler) (*settings.Settings, error) {
	current := c.settings.GetInstance(c.logger)

	if current.HasOptedIn != optIn {
		current.HasOptedIn = optIn
		if err := c.settings.Save(current); err != nil {
			c.logger.Error("unable to save analytics settings", "error", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.tracker.Close(); err != nil {
		c.logger.Error("unable to close existing analytics tracker", "error", err)
	}

	if current.HasOptedIn {
		spoolDir, err := paths.SpoolDirectory(c.env)
		if err != nil {
			return current, err
		}
		newTracker, err := tracker.New(spoolDir, c.clock, sched, c.logger)
		if err != nil {
			c.logger.Error("unable to initialize analytics tracker, falling back to no-op", "error", err)
			c.tracker = tracker.NullTracker{}
			return current, nil
		}
		c.tracker = newTracker
	} else {
		c.tracker = tracker.NullTracker{}
	}

	return current, nil
}

// UpdatePublisher closes the current publisher and installs an
// HTTPPublisher (if opted in and not debug-disabled) or a
// NullPublisher (otherwise) that runs on sched.
func (c *Coordinator) UpdatePublisher(current *settings.Settings, sched *scheduler.Scheduler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.publisher.Close(); err != nil {
		c.logger.Error("unable to close existing analytics publisher", "error", err)
	}

	if current.HasOptedIn && !current.DebugDisablePublishing {
		spoolDir, err := paths.SpoolDirectory(c.env)
		if err != nil {
			return err
		}
		c.publisher = publisher.New(publisher.Config{
			SpoolDir: spoolDir,
			ClientInfo: spoolrecord.ClientInfo{
				ClientType:     "DESKTOP",
				LoggingID:      current.UserID,
				OSName:         c.osInfo.Name,
				OSMajorVersion: c.osInfo.MajorVersion,
				OSFullVersion:  c.osInfo.FullVersion,
			},
			Clock:     c.clock,
			Scheduler: sched,
			Logger:    c.logger,
		})
	} else {
		c.publisher = publisher.NullPublisher{}
	}

	return nil
}

// Close closes both the current tracker and publisher. Safe to call
// during process shutdown.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.tracker.Close(); err != nil {
		c.logger.Error("unable to close analytics tracker", "error", err)
	}
	if err := c.publisher.Close(); err != nil {
		c.logger.Error("unable to close analytics publisher", "error", err)
	}
}
