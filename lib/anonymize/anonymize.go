// Copyright 2026 The Deskmetrics Authors
// SPDX-License-Identifier: Apache-2.0

// Package anonymize hashes user-supplied strings with a per-user,
// time-rotating salt before they are ever persisted to a spool file,
// so that logged values cannot be correlated back to a specific user
// without the salt.
package anonymize

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/openporch/deskmetrics/lib/settings"
)

// SaltSource supplies the current anonymization salt for a settings
// document. [*settings.Store] implements this.
type SaltSource interface {
	GetSalt(value *settings.Settings) ([]byte, error)
}

// UTF8 hashes s with the current salt and returns the lowercase hex
// digest. An empty input returns an empty string without touching the
// salt source — there is nothing to anonymize.
func UTF8(logger *slog.Logger, salter SaltSource, value *settings.Settings, s string) (string, error) {
	if s == "" {
		return "", nil
	}

	salt, err := salter.GetSalt(value)
	if err != nil {
		logger.Error("unable to fetch anonymization salt", "error", err)
		return "", err
	}

	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil)), nil
}
