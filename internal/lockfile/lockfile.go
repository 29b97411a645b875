// Package lockfile enforces the single-instance guarantee via a PID file
// on disk (§5/§7: "Lock file (bot.lock): at-most-one process; contains
// PID; stale locks (dead PID) are reclaimed"). Inability to acquire the
// lock is one of the documented fatal startup conditions. No third-party
// dependency in the corpus does PID-liveness checking any more idiomatically
// than os.FindProcess + signal 0, so this stays on the standard library.
package lockfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Lock represents an acquired bot.lock. Release removes the file.
type Lock struct {
	path string
}

// Acquire creates path containing the current process's PID. If path
// already exists and names a live process, Acquire fails. If it names a
// dead process (stale lock), the file is reclaimed and overwritten.
func Acquire(path string) (*Lock, error) {
	if err := tryReclaim(path); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("lockfile: %s is held by a running process", path)
		}
		return nil, fmt.Errorf("lockfile: create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d", os.Getpid()); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("lockfile: write pid: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file. Safe to call once; subsequent calls are
// no-ops.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lockfile: remove %s: %w", l.path, err)
	}
	return nil
}

// tryReclaim removes path if it names a PID that is no longer alive. It
// leaves path untouched (and returns nil) if path doesn't exist, is
// unreadable, or names a live process — in the last case Acquire's
// O_EXCL create will fail with a clear error.
func tryReclaim(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("lockfile: read %s: %w", path, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		// Unparseable contents: treat as stale and reclaim rather than
		// wedging startup on a corrupt lock file.
		return os.Remove(path)
	}

	if processAlive(pid) {
		return nil
	}
	return os.Remove(path)
}

// processAlive reports whether pid names a live process, using signal 0
// (no-op delivery, existence check only).
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
