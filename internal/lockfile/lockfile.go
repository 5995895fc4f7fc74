// Package lockfile keeps two IntakePipe processes from sharing one state
// directory. The lock is an flock(2) on a file in the directory, so the
// kernel drops it when the process exits, however it exits.
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

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "intakepipe.lock"

// Owner describes the process recorded in a lock file.
type Owner struct {
	PID     int
	Mode    string
	Started time.Time
}

func (o Owner) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "PID %d", o.PID)
	if o.Mode != "" {
		fmt.Fprintf(&b, " (%s)", o.Mode)
	}
	if !o.Started.IsZero() {
		fmt.Fprintf(&b, " started %s", o.Started.Format(time.RFC3339))
	}
	return b.String()
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the lock on stateDir, creating the directory if needed.
// mode is recorded for the error shown to a second process.
func AcquireLock(stateDir, mode string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("lockfile.AcquireLock: acquiring", "lock_path", lockPath, "mode", mode)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the owner's record before we know we won.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner, ok := readOwner(lockPath)
		slog.Error("lockfile.AcquireLock: state directory in use", "lock_path", lockPath, "owner", owner, "error", err)
		return nil, &LockError{LockPath: lockPath, Owner: owner, HasOwner: ok, Cause: err}
	}

	owner := Owner{PID: os.Getpid(), Mode: mode, Started: time.Now().UTC().Truncate(time.Second)}
	if err := writeOwner(file, owner); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("lockfile.AcquireLock: state directory locked", "lock_path", lockPath, "pid", owner.PID)
	return &Lock{file: file, path: lockPath}, nil
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the lock so a waiting process cannot lock
	// the old inode and then see it vanish.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("lockfile.Release: unlock failed", "lock_path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("lockfile.Release: state directory unlocked", "lock_path", l.path)
	return err
}

// LockError is returned when another process holds the lock.
type LockError struct {
	LockPath string
	Owner    Owner
	HasOwner bool
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another IntakePipe instance is using this state directory (lock file %s)", e.LockPath)
	if e.HasOwner {
		state := "not running, stale lock"
		if isProcessRunning(e.Owner.PID) {
			state = "running"
		}
		fmt.Fprintf(&b, "; held by %s, %s", e.Owner, state)
	}
	fmt.Fprintf(&b, "; if no other instance is running, remove %s", e.LockPath)
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func writeOwner(file *os.File, o Owner) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	content := fmt.Sprintf("pid=%d\nmode=%s\nstarted=%s\n", o.PID, o.Mode, o.Started.Format(time.RFC3339))
	if _, err := file.WriteAt([]byte(content), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile: failed to sync lock file", "error", err)
	}
	return nil
}

func readOwner(lockPath string) (Owner, bool) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Owner{}, false
	}
	return parseOwner(string(data))
}

// parseOwner reads key=value lines. A record without a valid pid is rejected.
func parseOwner(content string) (Owner, bool) {
	var o Owner
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				o.PID = pid
			}
		case "mode":
			o.Mode = value
		case "started":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				o.Started = ts
			}
		}
	}
	return o, o.PID > 0
}

// isProcessRunning sends signal 0, which only checks that pid exists.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
