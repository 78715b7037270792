// Copyright 2026 The Deskmetrics Authors
// SPDX-License-Identifier: Apache-2.0

// Package settings persists the small per-user document analytics
// reporting depends on: a pseudo-anonymous user id, the opt-in flag,
// and a salt blob that is rotated on a 28-day window and used by
// lib/anonymize to hash reported strings.
//
// Settings are stored as YAML at SettingsFile, protected end to end by
// an exclusive OS file lock: readers and writers both lock the whole
// file for the duration of their operation, so two processes never
// observe a half-written document.
package settings

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/openporch/deskmetrics/lib/clock"
	"github.com/openporch/deskmetrics/lib/envshim"
	"github.com/openporch/deskmetrics/lib/paths"
)

// ErrLocked is returned by Load and Save when another process already
// holds the settings file's exclusive lock. Contention is attempted
// non-blocking and reported to the caller rather than waited out;
// GetInstance treats it like any other failure and falls through to
// its next strategy.
var ErrLocked = errors.New("settings file is locked by another process")

// tryLock attempts a non-blocking exclusive lock on fd, returning
// ErrLocked (wrapped with path) if another process already holds it.
func tryLock(fd int, path string) error {
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("lock settings file %s: %w", path, ErrLocked)
		}
		return fmt.Errorf("lock settings file %s: %w", path, err)
	}
	return nil
}

// saltSize is the length, in bytes, of the rotating anonymization
// salt. Blobs shorter than this are zero-padded on read; blobs longer
// than this (carried over from a previous representation) are
// returned unmodified, never truncated.
const saltSize = 24

// saltWindowDays is the width of the salt rotation window. Four weeks
// allows both 4-week and 1-week analysis windows against a stable
// salt.
const saltWindowDays = 28

// Settings is the persisted analytics settings document.
type Settings struct {
	UserID                 string `yaml:"userId"`
	HasOptedIn             bool   `yaml:"hasOptedIn"`
	DebugDisablePublishing bool   `yaml:"debugDisablePublishing"`
	SaltValue              []byte `yaml:"saltValue"`
	SaltSkew               int    `yaml:"saltSkew"`
}

// Store provides locked, cached access to the settings document for
// one process. Construct one with [NewStore] and reuse it; Store
// caches the loaded value exactly like the original singleton, but
// without a package-level global, so tests can run with independent
// stores in parallel.
type Store struct {
	env   envshim.Lookup
	clock clock.Clock

	mu       sync.Mutex
	instance *Settings
}

// NewStore creates a settings store. env resolves ANDROID_SDK_HOME;
// clk provides the current time for salt-window computation (pass
// clock.Real() in production, clock.Fake() in tests).
func NewStore(env envshim.Lookup, clk clock.Clock) *Store {
	return &Store{env: env, clock: clk}
}

// Load reads the settings file from disk under a non-blocking
// exclusive lock. It returns (nil, nil) if the file does not exist —
// absence is not an error, it signals the caller should call
// CreateNew. If another process currently holds the lock, Load
// returns ErrLocked rather than waiting for it to be released.
func (s *Store) Load() (*Settings, error) {
	file, err := paths.SettingsFile(s.env)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(file, os.O_RDONLY, 0o644)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open settings file %s: %w", file, err)
	}
	defer f.Close()

	if err := tryLock(int(f.Fd()), file); err != nil {
		return nil, err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read settings file %s: %w", file, err)
	}

	var loaded Settings
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse settings file %s: %w", file, err)
	}

	s.mu.Lock()
	s.instance = &loaded
	s.mu.Unlock()

	return &loaded, nil
}

// CreateNew builds a fresh settings document and persists it
// immediately. If a legacy uid.txt file exists next to the settings
// file, its first line seeds UserID so reporting continuity survives
// a migration; otherwise a random 128-bit hex id is generated.
func (s *Store) CreateNew() (*Settings, error) {
	fresh := &Settings{}

	if uid, err := s.readLegacyUID(); err == nil && uid != "" {
		fresh.UserID = uid
	}
	if fresh.UserID == "" {
		id := make([]byte, 16)
		if _, err := rand.Read(id); err != nil {
			return nil, fmt.Errorf("generate user id: %w", err)
		}
		fresh.UserID = hex.EncodeToString(id)
	}

	if err := s.save(fresh); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.instance = fresh
	s.mu.Unlock()

	return fresh, nil
}

func (s *Store) readLegacyUID() (string, error) {
	file, err := paths.LegacyUIDFile(s.env)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	return strings.TrimSpace(line), nil
}

// GetInstance returns the cached settings, loading or creating them
// on first use. Every failure along the way is logged and the method
// falls through to the next strategy; it always returns a usable
// value, falling back to an in-memory, non-persisted instance with a
// random user id as a last resort.
func (s *Store) GetInstance(logger *slog.Logger) *Settings {
	s.mu.Lock()
	cached := s.instance
	s.mu.Unlock()
	if cached != nil {
		return cached
	}

	loaded, err := s.Load()
	if err != nil {
		logger.Error("unable to load analytics settings", "error", err)
	}
	if loaded != nil {
		return loaded
	}

	created, err := s.CreateNew()
	if err != nil {
		logger.Error("unable to create new analytics settings", "error", err)
	}
	if created != nil {
		return created
	}

	id := make([]byte, 16)
	_, _ = rand.Read(id)
	fallback := &Settings{UserID: hex.EncodeToString(id)}
	s.mu.Lock()
	s.instance = fallback
	s.mu.Unlock()
	return fallback
}

// Save persists the given settings document, replacing the cached
// instance.
func (s *Store) Save(value *Settings) error {
	if err := s.save(value); err != nil {
		return err
	}
	s.mu.Lock()
	s.instance = value
	s.mu.Unlock()
	return nil
}

func (s *Store) save(value *Settings) error {
	file, err := paths.SettingsFile(s.env)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open settings file %s: %w", file, err)
	}
	defer f.Close()

	if err := tryLock(int(f.Fd()), file); err != nil {
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate settings file %s: %w", file, err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek settings file %s: %w", file, err)
	}

	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write settings file %s: %w", file, err)
	}

	return nil
}

// GetSalt returns the current anonymization salt, rotating it first if
// the current 28-day skew window differs from the stored one. The
// rotated salt is persisted before being returned. A stored blob
// shorter than 24 bytes is zero-padded to 24; a longer one is returned
// whole.
func (s *Store) GetSalt(value *Settings) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	currentSkew := s.currentSaltSkew()
	if value.SaltSkew != currentSkew {
		value.SaltSkew = currentSkew
		blob := make([]byte, saltSize)
		if _, err := rand.Read(blob); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		value.SaltValue = blob
		if err := s.save(value); err != nil {
			return nil, err
		}
		s.instance = value
	}

	if len(value.SaltValue) >= saltSize {
		return value.SaltValue, nil
	}
	padded := make([]byte, saltSize)
	copy(padded, value.SaltValue)
	return padded, nil
}

// currentSaltSkew computes the 28-day window index for the store's
// current time. The Unix epoch fell on a Thursday; adding 3 days
// shifts window boundaries to Monday, matching the legacy rotation
// schedule this store's on-disk format is compatible with.
func (s *Store) currentSaltSkew() int {
	return ComputeSaltSkew(s.clock.Now())
}

// ComputeSaltSkew exposes the skew computation for a given instant,
// used by tests that need to predict rotation boundaries without
// constructing a full Store.
func ComputeSaltSkew(at time.Time) int {
	epoch := time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)
	days := int(at.UTC().Sub(epoch).Hours()/24) + 3
	return days / saltWindowDays
}
