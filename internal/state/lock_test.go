package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sddworks/changeflow/internal/errors"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".changeflow")

	lock, err := AcquireLock(dir, nil)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if lock.PID != os.Getpid() {
		t.Errorf("lock PID = %d, want %d", lock.PID, os.Getpid())
	}
	if lock.HolderID == "" {
		t.Error("lock should carry a holder id")
	}

	if _, locked := IsLocked(dir); !locked {
		t.Error("IsLocked should report the live lock")
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, locked := IsLocked(dir); locked {
		t.Error("lock should be gone after release")
	}

	// Release is idempotent.
	if err := lock.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
}

func TestSecondAcquireFails(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".changeflow")

	lock, err := AcquireLock(dir, nil)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()

	_, err = AcquireLock(dir, nil)
	if !errors.Is(err, errors.ErrSessionLocked) {
		t.Errorf("want ErrSessionLocked, got %v", err)
	}
}

func TestStaleLockIsCleaned(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".changeflow")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}

	// Plant a lock owned by a PID that cannot be running.
	stale := Lock{
		HolderID:   "dead",
		PID:        1 << 22,
		Hostname:   "gone",
		AcquiredAt: time.Now().Add(-time.Hour),
	}
	data, err := json.Marshal(stale)
	if err != nil {
		t.Fatal(err)
	}
	lockPath := filepath.Join(dir, LockFileName)
	if err := os.WriteFile(lockPath, data, 0644); err != nil {
		t.Fatal(err)
	}

	lock, err := AcquireLock(dir, nil)
	if err != nil {
		t.Fatalf("AcquireLock over stale lock: %v", err)
	}
	defer lock.Release()

	current, err := ReadLock(lockPath)
	if err != nil {
		t.Fatalf("ReadLock: %v", err)
	}
	if current.PID != os.Getpid() {
		t.Errorf("lock not taken over: PID = %d", current.PID)
	}
}

func TestReleaseDoesNotRemoveForeignLock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".changeflow")

	lock, err := AcquireLock(dir, nil)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	// Simulate another process replacing the lock file.
	foreign := Lock{HolderID: "other", PID: os.Getpid() + 1, Hostname: "elsewhere", AcquiredAt: time.Now()}
	data, err := json.Marshal(foreign)
	if err != nil {
		t.Fatal(err)
	}
	lockPath := filepath.Join(dir, LockFileName)
	if err := os.WriteFile(lockPath, data, 0644); err != nil {
		t.Fatal(err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(lockPath); err != nil {
		t.Error("foreign lock file should survive our release")
	}
}
