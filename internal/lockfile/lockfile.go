// Package lockfile keeps two PostOpCall processes from sharing a state directory.
//
// The lock is an flock on a file inside the directory, so the kernel releases it when the
// process exits, however it exits. The file body records who holds it.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "postopcall.lock"

// Info describes the process holding a lock.
type Info struct {
	PID       int
	StartedAt time.Time
	// Addr is the API address of the holder, when it told us.
	Addr string
}

func (i Info) encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", i.PID)
	if !i.StartedAt.IsZero() {
		fmt.Fprintf(&b, "started=%s\n", i.StartedAt.UTC().Format(time.RFC3339))
	}
	if i.Addr != "" {
		fmt.Fprintf(&b, "addr=%s\n", i.Addr)
	}
	return b.String()
}

// ParseInfo reads lock file content. Unknown or malformed lines are skipped.
func ParseInfo(content string) Info {
	var info Info
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(val); err == nil && pid > 0 {
				info.PID = pid
			}
		case "started":
			if t, err := time.Parse(time.RFC3339, val); err == nil {
				info.StartedAt = t
			}
		case "addr":
			info.Addr = val
		}
	}
	return info
}

// Option configures AcquireLock.
type Option func(*Info)

// WithAddr records the API address in the lock file.
func WithAddr(addr string) Option {
	return func(i *Info) { i.Addr = addr }
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
	info Info
}

// AcquireLock takes the lock on stateDir, creating the directory if needed. When another
// process holds it the error is a *LockError describing that process.
func AcquireLock(stateDir string, opts ...Option) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's info before we know we can lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := readHolder(lockPath)
		slog.Error("AcquireLock: state directory is locked by another instance", "lock_path", lockPath, "holder_pid", holder.PID, "error", err)
		return nil, &LockError{LockPath: lockPath, Holder: holder, Running: holder.PID > 0 && isProcessRunning(holder.PID), Cause: err}
	}

	info := Info{PID: os.Getpid(), StartedAt: time.Now()}
	for _, opt := range opts {
		opt(&info)
	}
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("write lock file %s: %w", lockPath, err)
	}

	slog.Info("AcquireLock: state directory locked", "lock_path", lockPath, "pid", info.PID)
	return &Lock{file: file, path: lockPath, info: info}, nil
}

func writeInfo(f *os.File, info Info) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(info.encode()), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("AcquireLock: failed to sync lock file", "error", err)
	}
	return nil
}

// Info returns what was written to the lock file.
func (l *Lock) Info() Info { return l.info }

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the lock so a waiting process never sees our info.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: failed to unlock", "lock_path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	return err
}

// LockError reports that another process holds the lock.
type LockError struct {
	LockPath string
	Holder   Info
	// Running is false when the recorded PID no longer exists.
	Running bool
	Cause   error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another PostOpCall instance is using this state directory (lock file %s)", e.LockPath)
	if e.Holder.PID > 0 {
		state := "running"
		if !e.Running {
			state = "not running, lock may be stale"
		}
		fmt.Fprintf(&b, "; holder pid %d (%s)", e.Holder.PID, state)
	}
	if !e.Holder.StartedAt.IsZero() {
		fmt.Fprintf(&b, ", started %s", e.Holder.StartedAt.Format(time.RFC3339))
	}
	if e.Holder.Addr != "" {
		fmt.Fprintf(&b, ", serving %s", e.Holder.Addr)
	}
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func readHolder(lockPath string) Info {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Info{}
	}
	return ParseInfo(string(data))
}

// isProcessRunning sends signal 0 to pid.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
