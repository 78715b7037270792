// Copyright 2026 The Deskmetrics Authors
// SPDX-License-Identifier: Apache-2.0

// Package envshim provides an overridable environment-variable lookup
// so that path resolution and settings bootstrap can be tested without
// mutating process-global environment state.
package envshim

import "os"

// Lookup reads an environment variable. Production code uses [OS];
// tests use [Map] to inject fixed values without calling os.Setenv.
type Lookup interface {
	Lookup(name string) (value string, present bool)
}

// OS reads from the real process environment via os.LookupEnv.
var OS Lookup = osLookup{}

type osLookup struct{}

func (osLookup) Lookup(name string) (string, bool) {
	return os.LookupEnv(name)
}

// Map is a fixed, in-memory Lookup for tests.
type Map map[string]string

// Lookup implements [Lookup].
func (m Map) Lookup(name string) (string, bool) {
	value, ok := m[name]
	return value, ok
}
