package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLockAcquisition(t *testing.T) {
	tempDir := t.TempDir()

	lock, err := Acquire(tempDir, ":8080")
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	lockPath := filepath.Join(tempDir, LockFileName)
	if lock.Path() != lockPath {
		t.Errorf("Path() = %s, want %s", lock.Path(), lockPath)
	}

	owner, err := ReadOwner(lockPath)
	if err != nil {
		t.Fatalf("Failed to read lock owner: %v", err)
	}
	if owner.PID != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), owner.PID)
	}
	if owner.Addr != ":8080" {
		t.Errorf("expected addr :8080, got %q", owner.Addr)
	}
	if time.Since(owner.StartedAt) > time.Minute {
		t.Errorf("unexpected started_at %v", owner.StartedAt)
	}
}

func TestLockConflict(t *testing.T) {
	tempDir := t.TempDir()

	lock1, err := Acquire(tempDir, ":8080")
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := Acquire(tempDir, ":9090")
	if err == nil {
		lock2.Release()
		t.Fatalf("Second lock acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	if lockErr.Holder.PID != os.Getpid() || lockErr.Holder.Addr != ":8080" {
		t.Errorf("holder info not preserved: %+v", lockErr.Holder)
	}

	errMsg := err.Error()
	for _, want := range []string{"already running", lockErr.LockPath, "(running)", "serving :8080"} {
		if !strings.Contains(errMsg, want) {
			t.Errorf("error message missing %q: %s", want, errMsg)
		}
	}
}

func TestLockRelease(t *testing.T) {
	tempDir := t.TempDir()

	lock, err := Acquire(tempDir, "")
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	lockPath := lock.Path()

	if err := lock.Release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("Lock file should be removed after release: %s", lockPath)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Multiple releases should be safe: %v", err)
	}

	lock2, err := Acquire(tempDir, "")
	if err != nil {
		t.Fatalf("Failed to reacquire lock after release: %v", err)
	}
	defer lock2.Release()
}

func TestStaleLockFileIsReused(t *testing.T) {
	tempDir := t.TempDir()
	lockPath := filepath.Join(tempDir, LockFileName)
	if err := os.WriteFile(lockPath, []byte("pid=999999\nstarted_at=2020-01-01T00:00:00Z\naddr=:1234\nleftover=garbage-that-is-long\n"), 0644); err != nil {
		t.Fatal(err)
	}

	lock, err := Acquire(tempDir, "")
	if err != nil {
		t.Fatalf("Stale lock file without flock should not block: %v", err)
	}
	defer lock.Release()

	data, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "garbage") || strings.Contains(string(data), "addr=") {
		t.Errorf("old owner info should be overwritten, got %q", data)
	}
}

func TestParseOwner(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Owner
	}{
		{"full", "pid=12345\nstarted_at=2026-07-01T12:00:00Z\naddr=:8080\n", Owner{PID: 12345, StartedAt: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC), Addr: ":8080"}},
		{"pid only", "pid=67890\nother=info", Owner{PID: 67890}},
		{"no pid", "other=info", Owner{}},
		{"empty content", "", Owner{}},
		{"invalid pid", "pid=abc", Owner{}},
		{"no equals", "pid12345", Owner{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseOwner(strings.NewReader(tt.content))
			if err != nil {
				t.Fatalf("parseOwner(%q) error: %v", tt.content, err)
			}
			if got.PID != tt.want.PID || got.Addr != tt.want.Addr || !got.StartedAt.Equal(tt.want.StartedAt) {
				t.Errorf("parseOwner(%q) = %+v, want %+v", tt.content, got, tt.want)
			}
		})
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Errorf("Our own process should be detected as running")
	}
	if isProcessRunning(999999) {
		t.Logf("High PID detected as running (unexpected but not necessarily wrong)")
	}
}

func TestNonExistentDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does", "not", "exist")

	lock, err := Acquire(dir, "")
	if err != nil {
		t.Fatalf("Should be able to create directory and acquire lock: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Errorf("Directory should have been created: %s", dir)
	}
}
