// Package lockfile keeps two service instances from sharing one state directory.
//
// The lock is an flock on a file in the state directory, so the kernel drops
// it when the process dies, however it exits.
package lockfile

import (
	"bufio"
	"errors"
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
const LockFileName = "simbwatta.lock"

// ErrLocked is wrapped by LockError when another process holds the lock.
var ErrLocked = errors.New("state directory is locked by another instance")

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID       int
	StartedAt time.Time
	Addr      string
}

// Alive reports whether the holder process still exists.
func (h Holder) Alive() bool {
	return h.PID > 0 && isProcessRunning(h.PID)
}

func (h Holder) String() string {
	if h.PID <= 0 {
		return "unknown process"
	}
	state := "running"
	if !h.Alive() {
		state = "not running, stale lock"
	}
	s := fmt.Sprintf("PID %d (%s)", h.PID, state)
	if h.Addr != "" {
		s += ", serving " + h.Addr
	}
	if !h.StartedAt.IsZero() {
		s += ", since " + h.StartedAt.Format(time.RFC3339)
	}
	return s
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock on stateDir, creating the directory if
// needed. addr is recorded for the error shown to a second instance.
func Acquire(stateDir, addr string) (*Lock, error) {
	path := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := readHolder(file)
		file.Close()
		slog.Error("lockfile.Acquire: state directory already locked", "path", path, "holder", holder.String())
		return nil, &LockError{Path: path, Holder: holder, Cause: err}
	}

	if err := writeHolder(file, Holder{PID: os.Getpid(), StartedAt: time.Now().UTC(), Addr: addr}); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("write lock file %s: %w", path, err)
	}

	slog.Info("lockfile.Acquire: state directory locked", "path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the file. Calling it twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var errs []error
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("remove: %w", err))
	}
	l.file = nil
	if err := errors.Join(errs...); err != nil {
		slog.Warn("lockfile.Release: incomplete release", "path", l.path, "error", err)
		return err
	}
	slog.Info("lockfile.Release: state directory unlocked", "path", l.path)
	return nil
}

// LockError is returned when another instance holds the lock.
type LockError struct {
	Path   string
	Holder Holder
	Cause  error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("another simbwatta instance is using this state directory (lock %s, held by %s); "+
		"remove the lock file only if that process is gone", e.Path, e.Holder)
}

func (e *LockError) Unwrap() []error {
	return []error{ErrLocked, e.Cause}
}

func writeHolder(f *os.File, h Holder) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	content := fmt.Sprintf("pid=%d\nstarted_at=%s\naddr=%s\n", h.PID, h.StartedAt.Format(time.RFC3339), h.Addr)
	if _, err := f.WriteString(content); err != nil {
		return err
	}
	return f.Sync()
}

func readHolder(f *os.File) Holder {
	if _, err := f.Seek(0, 0); err != nil {
		return Holder{}
	}
	return parseHolder(f)
}

// parseHolder reads key=value lines; unknown keys are ignored.
func parseHolder(r interface{ Read([]byte) (int, error) }) Holder {
	var h Holder
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(value)
		case "started_at":
			h.StartedAt, _ = time.Parse(time.RFC3339, value)
		case "addr":
			h.Addr = value
		}
	}
	return h
}

func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 only checks for existence.
	return process.Signal(syscall.Signal(0)) == nil
}
