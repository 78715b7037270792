// Copyright 2026 The Deskmetrics Authors
// SPDX-License-Identifier: Apache-2.0

// Package paths resolves the on-disk locations used by the analytics
// settings store and spool writer.
package paths

import (
	"os"
	"path/filepath"

	"github.com/openporch/deskmetrics/lib/envshim"
)

// SettingsHome returns the directory used to store analytics settings
// and spool data. It honors the ANDROID_SDK_HOME environment variable
// (kept for compatibility with pre-existing installations sharing the
// same settings home as the Android SDK tooling); if unset or empty,
// it falls back to "<user-home>/.android".
func SettingsHome(env envshim.Lookup) (string, error) {
	if value, ok := env.Lookup("ANDROID_SDK_HOME"); ok && value != "" {
		return value, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".android"), nil
}

// SpoolDirectory returns the directory where active and completed
// spool files are stored.
func SpoolDirectory(env envshim.Lookup) (string, error) {
	home, err := SettingsHome(env)
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "metrics", "spool"), nil
}

// SettingsFile returns the path to the persisted settings document.
func SettingsFile(env envshim.Lookup) (string, error) {
	home, err := SettingsHome(env)
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "analytics.settings"), nil
}

// LegacyUIDFile returns the path to the legacy plain-text user id file
// that CreateNew seeds a new settings record from, if present.
func LegacyUIDFile(env envshim.Lookup) (string, error) {
	home, err := SettingsHome(env)
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "uid.txt"), nil
}
