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
	dir := t.TempDir()

	lock, err := AcquireLock(dir, WithAddr(":8080"))
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	content, err := os.ReadFile(filepath.Join(dir, LockFileName))
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	info := ParseInfo(string(content))
	if info.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", info.PID, os.Getpid())
	}
	if info.Addr != ":8080" {
		t.Errorf("Addr = %q", info.Addr)
	}
	if info.StartedAt.IsZero() {
		t.Error("StartedAt not recorded")
	}
	if lock.Info().PID != info.PID || lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("lock = %+v at %s", lock.Info(), lock.Path())
	}
}

func TestLockConflict(t *testing.T) {
	dir := t.TempDir()

	lock1, err := AcquireLock(dir, WithAddr("127.0.0.1:9000"))
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dir)
	if err == nil {
		lock2.Release()
		t.Fatal("Second lock acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	if lockErr.Holder.PID != os.Getpid() || !lockErr.Running {
		t.Errorf("holder = %+v running=%v", lockErr.Holder, lockErr.Running)
	}
	msg := err.Error()
	for _, want := range []string{"another PostOpCall instance", dir, "127.0.0.1:9000"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q should mention %q", msg, want)
		}
	}

	// The holder's info survives the failed attempt.
	content, _ := os.ReadFile(filepath.Join(dir, LockFileName))
	if ParseInfo(string(content)).Addr != "127.0.0.1:9000" {
		t.Errorf("lock file overwritten: %q", content)
	}
}

func TestLockRelease(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Error("Lock file should be removed after release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to reacquire lock after release: %v", err)
	}
	again.Release()
}

func TestParseInfo(t *testing.T) {
	started := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		content string
		want    Info
	}{
		{"full", "pid=12345\nstarted=2024-05-06T10:00:00Z\naddr=:8080\n", Info{PID: 12345, StartedAt: started, Addr: ":8080"}},
		{"pid only", "pid=67890", Info{PID: 67890}},
		{"legacy extra keys", "pid=1\nother=info", Info{PID: 1}},
		{"invalid pid", "pid=abc", Info{}},
		{"negative pid", "pid=-4", Info{}},
		{"no equals", "pid12345", Info{}},
		{"empty", "", Info{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseInfo(tt.content)
			if got.PID != tt.want.PID || got.Addr != tt.want.Addr || !got.StartedAt.Equal(tt.want.StartedAt) {
				t.Errorf("ParseInfo(%q) = %+v, want %+v", tt.content, got, tt.want)
			}
		})
	}
}

func TestLockErrorStaleHolder(t *testing.T) {
	err := &LockError{LockPath: "/state/postopcall.lock", Holder: Info{PID: 999999}, Running: false}
	if !strings.Contains(err.Error(), "may be stale") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Error("own process should be running")
	}
}

func TestNonExistentDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Should create directory and acquire lock: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("directory not created: %v", err)
	}
}
