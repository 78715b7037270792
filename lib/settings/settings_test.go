// Copyright 2026 The Deskmetrics Authors
// SPDX-License-Identifier: Apache-2.0

package settings

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openporch/deskmetrics/lib/clock"
	"github.com/openporch/deskmetrics/lib/envshim"
	"github.com/openporch/deskmetrics/lib/paths"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	home := t.TempDir()
	env := envshim.Map{"ANDROID_SDK_HOME": home}
	return NewStore(env, clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))), home
}

func TestCreateNewGeneratesRandomUserID(t *testing.T) {
	store, _ := newTestStore(t)

	first, err := store.CreateNew()
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if first.UserID == "" {
		t.Fatal("expected non-empty generated user id")
	}
}

func TestCreateNewSeedsFromLegacyUID(t *testing.T) {
	store, home := newTestStore(t)

	if err := os.WriteFile(filepath.Join(home, "uid.txt"), []byte("legacy-uid-123\n"), 0o644); err != nil {
		t.Fatalf("write legacy uid file: %v", err)
	}

	settings, err := store.CreateNew()
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if settings.UserID != "legacy-uid-123" {
		t.Fatalf("UserID = %q, want legacy-uid-123", settings.UserID)
	}
}

func TestLoadAbsentFileReturnsNilNil(t *testing.T) {
	store, _ := newTestStore(t)

	settings, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if settings != nil {
		t.Fatalf("Load on absent file = %+v, want nil", settings)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	store, _ := newTestStore(t)

	original := &Settings{UserID: "abc", HasOptedIn: true, SaltValue: []byte("0123456789012345678901234"), SaltSkew: 7}
	if err := store.Save(original); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := NewStore(store.env, store.clock).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.UserID != original.UserID || reloaded.HasOptedIn != original.HasOptedIn || reloaded.SaltSkew != original.SaltSkew {
		t.Fatalf("reloaded = %+v, want %+v", reloaded, original)
	}
}

func TestGetInstanceFallsThroughToCreation(t *testing.T) {
	store, _ := newTestStore(t)
	logger := slog.New(slog.DiscardHandler)

	instance := store.GetInstance(logger)
	if instance == nil || instance.UserID == "" {
		t.Fatalf("GetInstance returned unusable value: %+v", instance)
	}

	again := store.GetInstance(logger)
	if again != instance {
		t.Fatal("GetInstance should return the cached instance on second call")
	}
}

func TestGetSaltPadsShortBlob(t *testing.T) {
	store, _ := newTestStore(t)
	value := &Settings{UserID: "u", SaltSkew: ComputeSaltSkew(store.clock.Now()), SaltValue: []byte{1, 2, 3}}

	salt, err := store.GetSalt(value)
	if err != nil {
		t.Fatalf("GetSalt: %v", err)
	}
	if len(salt) != saltSize {
		t.Fatalf("len(salt) = %d, want %d", len(salt), saltSize)
	}
	if salt[0] != 1 || salt[1] != 2 || salt[2] != 3 {
		t.Fatalf("salt prefix not preserved: %v", salt[:3])
	}
	for _, b := range salt[3:] {
		if b != 0 {
			t.Fatalf("expected zero padding after original bytes, got %v", salt)
		}
	}
}

func TestGetSaltDoesNotTruncateOversizedBlob(t *testing.T) {
	store, _ := newTestStore(t)
	oversized := make([]byte, saltSize+8)
	for i := range oversized {
		oversized[i] = byte(i)
	}
	value := &Settings{UserID: "u", SaltSkew: ComputeSaltSkew(store.clock.Now()), SaltValue: oversized}

	salt, err := store.GetSalt(value)
	if err != nil {
		t.Fatalf("GetSalt: %v", err)
	}
	if len(salt) != len(oversized) {
		t.Fatalf("len(salt) = %d, want %d (no truncation)", len(salt), len(oversized))
	}
}

func TestGetSaltRotatesOnWindowChange(t *testing.T) {
	store, _ := newTestStore(t)
	fake := store.clock.(*clock.FakeClock)

	value := &Settings{UserID: "u"}
	first, err := store.GetSalt(value)
	if err != nil {
		t.Fatalf("GetSalt: %v", err)
	}

	fake.Advance(29 * 24 * time.Hour)

	second, err := store.GetSalt(value)
	if err != nil {
		t.Fatalf("GetSalt: %v", err)
	}

	if string(first) == string(second) {
		t.Fatal("expected salt to rotate after crossing a 28-day window boundary")
	}
}

func TestLoadReturnsErrLockedWhenFileHeldByAnotherProcess(t *testing.T) {
	store, _ := newTestStore(t)

	original := &Settings{UserID: "abc", HasOptedIn: true}
	if err := store.Save(original); err != nil {
		t.Fatalf("Save: %v", err)
	}

	file, err := paths.SettingsFile(store.env)
	if err != nil {
		t.Fatalf("SettingsFile: %v", err)
	}
	holder, err := os.OpenFile(file, os.O_RDONLY, 0o644)
	if err != nil {
		t.Fatalf("open settings file: %v", err)
	}
	defer holder.Close()
	if err := unix.Flock(int(holder.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		t.Fatalf("hold lock: %v", err)
	}
	defer unix.Flock(int(holder.Fd()), unix.LOCK_UN)

	if _, err := NewStore(store.env, store.clock).Load(); !errors.Is(err, ErrLocked) {
		t.Fatalf("Load() err = %v, want ErrLocked", err)
	}
}

func TestSaveReturnsErrLockedWhenFileHeldByAnotherProcess(t *testing.T) {
	store, _ := newTestStore(t)

	original := &Settings{UserID: "abc"}
	if err := store.Save(original); err != nil {
		t.Fatalf("Save: %v", err)
	}

	file, err := paths.SettingsFile(store.env)
	if err != nil {
		t.Fatalf("SettingsFile: %v", err)
	}
	holder, err := os.OpenFile(file, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open settings file: %v", err)
	}
	defer holder.Close()
	if err := unix.Flock(int(holder.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		t.Fatalf("hold lock: %v", err)
	}
	defer unix.Flock(int(holder.Fd()), unix.LOCK_UN)

	err = NewStore(store.env, store.clock).Save(&Settings{UserID: "xyz"})
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("Save() err = %v, want ErrLocked", err)
	}
}

func TestCurrentSaltSkewIsStableWithinWindow(t *testing.T) {
	// 2026-01-12 is a Monday and the first day of a salt window, so the
	// following 27 days fall in the same window.
	a := time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)
	b := a.Add(27 * 24 * time.Hour)
	if ComputeSaltSkew(a) != ComputeSaltSkew(b) {
		t.Fatalf("skew changed within the same 28-day window: %d vs %d", ComputeSaltSkew(a), ComputeSaltSkew(b))
	}
}
