// Copyright 2026 The Deskmetrics Authors
// SPDX-License-Identifier: Apache-2.0

// Command deskmetrics-agent is the process entrypoint that hosts the
// analytics lifecycle: it loads settings, installs the tracker and
// publisher appropriate for the user's opt-in choice, and keeps them
// running until asked to shut down. A host application embeds this
// binary's pattern directly rather than shelling out to it; this
// command exists to exercise the library end to end and as a
// reference wiring for embedders.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/openporch/deskmetrics/lib/clock"
	"github.com/openporch/deskmetrics/lib/envshim"
	"github.com/openporch/deskmetrics/lib/lifecycle"
	"github.com/openporch/deskmetrics/lib/process"
	"github.com/openporch/deskmetrics/lib/scheduler"
	"github.com/openporch/deskmetrics/lib/settings"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("deskmetrics-agent", pflag.ContinueOnError)
	optIn := flagSet.Bool("opt-in", false, "enable analytics reporting for this run")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	clk := clock.Real()

	store := settings.NewStore(envshim.OS, clk)
	// OSInfo here is runtime.GOOS/GOARCH — a stand-in for the real
	// OS/CPU classifier, which is a host-supplied collaborator this
	// library never implements itself.
	coordinator := lifecycle.New(store, clk, logger, envshim.OS, lifecycle.OSInfo{
		Name:         runtime.GOOS,
		MajorVersion: runtime.GOARCH,
		FullVersion:  runtime.Version(),
	})
	defer coordinator.Close()

	trackerScheduler := scheduler.New(clk)
	defer trackerScheduler.Close()
	publisherScheduler := scheduler.New(clk)
	defer publisherScheduler.Close()

	current, err := coordinator.UpdateSettingsAndTracker(*optIn, trackerScheduler)
	if err != nil {
		return err
	}
	if err := coordinator.UpdatePublisher(current, publisherScheduler); err != nil {
		return err
	}

	logger.Info("deskmetrics agent running",
		"opted_in", current.HasOptedIn,
		"user_id", current.UserID,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
