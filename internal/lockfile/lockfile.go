// Package lockfile enforces a single client instance per database. Two
// processes streaming turns into the same SQLite file would interleave
// messages and fight over thread titles, so the lock is taken before the
// store is opened.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrLocked means another live instance holds the lock
var ErrLocked = errors.New("another instance is already running")

// staleAfter is how old a lock entry may be before it is discarded even when
// its PID cannot be ruled out
const staleAfter = time.Hour

// Lock is a file-based instance lock. The lock file records the holder's PID
// and acquisition time so a crashed instance never blocks the next start.
type Lock struct {
	path string
	held bool
}

// New creates a lock at the given path, conventionally next to the database
func New(path string) *Lock {
	return &Lock{path: path}
}

// Acquire takes the lock, replacing a stale one left by a dead process.
// A live holder yields ErrLocked.
func (l *Lock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
		if err == nil {
			return l.write(file)
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create lock file: %w", err)
		}

		stale, holder := l.stale()
		if !stale {
			return fmt.Errorf("%w: %s", ErrLocked, holder)
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale lock file: %w", err)
		}
	}
	return fmt.Errorf("%w: lock file keeps reappearing", ErrLocked)
}

func (l *Lock) write(file *os.File) error {
	defer file.Close()

	content := fmt.Sprintf("%d\n%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	if _, err := file.WriteString(content); err != nil {
		os.Remove(l.path)
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := file.Sync(); err != nil {
		os.Remove(l.path)
		return fmt.Errorf("failed to sync lock file: %w", err)
	}

	l.held = true
	return nil
}

// stale reports whether the existing lock file may be discarded, and
// otherwise describes its holder
func (l *Lock) stale() (bool, string) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return true, ""
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return true, ""
	}

	if !processAlive(pid) {
		return true, ""
	}

	if len(lines) >= 2 {
		if at, err := time.Parse(time.RFC3339, strings.TrimSpace(lines[1])); err == nil {
			if time.Since(at) > staleAfter {
				return true, ""
			}
		}
	}

	return false, fmt.Sprintf("pid %d", pid)
}

// Release drops the lock. Safe to call when the lock was never acquired.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Held reports whether this process holds the lock
func (l *Lock) Held() bool {
	return l.held
}

// Path returns the lock file location
func (l *Lock) Path() string {
	return l.path
}
