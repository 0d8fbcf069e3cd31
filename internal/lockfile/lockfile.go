// Package lockfile guards a state directory so only one dispatcher sends
// from it at a time. Two dispatchers sharing a gateway account would each
// spend the full rate budget, so a second instance must refuse to start.
//
// The lock is an flock on a file in the state directory and is released by
// the kernel when the process exits.
package lockfile

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "wadispatch.lock"

// Owner describes the process holding a lock.
type Owner struct {
	PID       int
	StartedAt time.Time
	Addr      string
}

func (o Owner) String() string {
	s := fmt.Sprintf("pid=%d\nstarted_at=%s\n", o.PID, o.StartedAt.UTC().Format(time.RFC3339))
	if o.Addr != "" {
		s += "addr=" + o.Addr + "\n"
	}
	return s
}

// Lock is a held state directory lock.
type Lock struct {
	file  *os.File
	path  string
	owner Owner
}

// Acquire takes an exclusive lock on stateDir, recording addr (the API
// listen address, may be empty) as owner information. It fails with a
// *LockError when another live process holds the lock.
func Acquire(stateDir, addr string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("lockfile.Acquire: acquiring", "lock_path", lockPath)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the owner info of a running holder before we know
	// whether the flock succeeds, so truncate only after locking.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder, _ := ReadOwner(lockPath)
		slog.Error("lockfile.Acquire: another dispatcher holds the state directory", "lock_path", lockPath, "holder_pid", holder.PID, "error", err)
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	owner := Owner{PID: os.Getpid(), StartedAt: time.Now(), Addr: addr}
	if err := writeOwner(file, owner); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock owner to %s: %w", lockPath, err)
	}

	slog.Info("lockfile.Acquire: state directory locked", "lock_path", lockPath, "pid", owner.PID)
	return &Lock{file: file, path: lockPath, owner: owner}, nil
}

func writeOwner(f *os.File, o Owner) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(o.String()), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile.writeOwner: sync failed", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Owner returns the information written for this process.
func (l *Lock) Owner() Owner { return l.owner }

// Release unlocks and removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("lockfile.Release: unlock failed", "error", err, "lock_path", l.path)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("lockfile.Release: close failed", "error", err, "lock_path", l.path)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Error("lockfile.Release: remove failed", "error", err, "lock_path", l.path)
	}
	l.file = nil
	slog.Info("lockfile.Release: state directory unlocked", "lock_path", l.path)
	return nil
}

// LockError is returned when another process holds the lock.
type LockError struct {
	LockPath string
	Holder   Owner
	Cause    error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another dispatcher is already running on this state directory (lock file %s)", e.LockPath)
	if e.Holder.PID > 0 {
		state := "running"
		if !isProcessRunning(e.Holder.PID) {
			state = "not running, lock may be stale"
		}
		msg += fmt.Sprintf("; holder pid %d (%s)", e.Holder.PID, state)
		if !e.Holder.StartedAt.IsZero() {
			msg += ", started " + e.Holder.StartedAt.UTC().Format(time.RFC3339)
		}
		if e.Holder.Addr != "" {
			msg += ", serving " + e.Holder.Addr
		}
	}
	return msg
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// ReadOwner parses the owner information in a lock file.
func ReadOwner(lockPath string) (Owner, error) {
	f, err := os.Open(lockPath)
	if err != nil {
		return Owner{}, err
	}
	defer f.Close()
	return parseOwner(f)
}

func parseOwner(r io.Reader) (Owner, error) {
	var o Owner
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(val); err == nil {
				o.PID = pid
			}
		case "started_at":
			if ts, err := time.Parse(time.RFC3339, val); err == nil {
				o.StartedAt = ts
			}
		case "addr":
			o.Addr = val
		}
	}
	return o, sc.Err()
}

// isProcessRunning sends signal 0 to pid.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
