// Copyright 2026 The Deskmetrics Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1.
// cmd/deskmetrics-agent wraps its startup (flag parsing, settings
// load, tracker/publisher wiring) in a run() that returns an error and
// calls Fatal from main() on failure — the one place in that binary
// where setup can fail before the structured logger exists to report
// it.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
