// Copyright 2026 The Deskmetrics Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for Deskmetrics
// command-line binaries. These functions centralize the one legitimate
// raw I/O pattern that exists before the structured logger is
// available: fatal error reporting to stderr followed by process exit.
package process
