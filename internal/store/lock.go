package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// WriteLock provides cross-process locking of a store directory using
// gofrs/flock. It keeps two processes from loading chunks into the
// same store at once. Works on all platforms (Unix, Linux, macOS,
// Windows).
type WriteLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewWriteLock creates a write lock for the given store directory.
// The lock file is created at <dir>/.write.lock
func NewWriteLock(dir string) *WriteLock {
	lockPath := filepath.Join(dir, ".write.lock")
	return &WriteLock{
		path:  lockPath,
		flock: flock.New(lockPath),
	}
}

// Lock acquires an exclusive lock, blocking until available.
func (l *WriteLock) Lock() error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	if err := l.flock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	l.locked = true
	return nil
}

// TryLock attempts to acquire the lock without blocking.
// Returns true if acquired, false if held by another process.
func (l *WriteLock) TryLock() (bool, error) {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("failed to create lock directory: %w", err)
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if acquired {
		l.locked = true
	}
	return acquired, nil
}

// Unlock releases the lock. Safe to call on an unlocked WriteLock.
func (l *WriteLock) Unlock() error {
	if !l.locked {
		return nil
	}

	if err := l.flock.Unlock(); err != nil {
		l.locked = false
		return fmt.Errorf("failed to release lock: %w", err)
	}

	l.locked = false
	return nil
}

// Path returns the lock file path.
func (l *WriteLock) Path() string {
	return l.path
}

// IsLocked reports whether this process holds the lock.
func (l *WriteLock) IsLocked() bool {
	return l.locked
}
