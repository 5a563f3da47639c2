// Package poollock implements the pool-wide exclusion lock (spec.md §3
// ".lockfile", §4.1, §5 "Ordering guarantees") and the LIFO cleanup stack
// used by every resource-acquiring component in this engine (spec.md §5
// "Cleanup discipline", §9 "Shell-style LIFO traps → structured cleanup
// stack"). Grounded on RichGuk-btrfs-backup/main.go's use of
// syscall.Flock(LOCK_EX|LOCK_NB) for single-instance exclusion.
package poollock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by Acquire when another invocation already holds
// the pool lock (spec.md §7 PreconditionError: "pool locked").
var ErrLocked = errors.New("poollock: pool is locked by another invocation")

const lockFileName = ".lockfile"

// Lock represents an acquired, exclusive, non-blocking advisory lock on a
// pool directory.
type Lock struct {
	file *os.File
	path string
}

// Acquire opens (creating if necessary) <poolDir>/.lockfile and takes a
// non-blocking exclusive flock on it. It fails fast with ErrLocked rather
// than waiting, matching spec.md §4.1's "fails with a 'locked' error if
// another invocation holds it" and §8 S6's one-second bound.
func Acquire(poolDir string) (*Lock, error) {
	path := filepath.Join(poolDir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("poollock: opening %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("poollock: flock %s: %w", path, err)
	}

	return &Lock{file: f, path: path}, nil
}

// Release unlocks and closes the lockfile. It is idempotent; calling it
// more than once, or on a nil *Lock, is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("poollock: unlock %s: %w", l.path, err)
	}
	return closeErr
}

// ReleaseFunc is one entry in a Stack: an idempotent teardown action for a
// single acquired resource (a temp file, an attached block device, a
// mount, ...).
type ReleaseFunc func() error

// Stack is the LIFO cleanup stack described in spec.md §5 and §9. Push
// registers a release action immediately after its resource is acquired;
// Unwind runs every registered action in reverse order exactly once,
// collecting (not stopping on) individual failures so that an early
// failure never skips releasing a resource acquired later.
//
// Outer resources must be pushed after the inner resources they depend on
// (e.g. push the attached block device before the mount that uses it), so
// that Unwind tears the mount down before detaching the device.
type Stack struct {
	releases []ReleaseFunc
}

// Push registers fn to run during Unwind, before everything already pushed.
func (s *Stack) Push(fn ReleaseFunc) {
	s.releases = append(s.releases, fn)
}

// Unwind runs every registered release in LIFO order. It always runs every
// release, even if one fails, and returns the first error encountered (if
// any) wrapped with context about how many releases also failed.
func (s *Stack) Unwind() error {
	var firstErr error
	failures := 0
	for i := len(s.releases) - 1; i >= 0; i-- {
		if err := s.releases[i](); err != nil {
			failures++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	s.releases = nil
	if firstErr == nil {
		return nil
	}
	if failures == 1 {
		return fmt.Errorf("poollock: cleanup: %w", firstErr)
	}
	return fmt.Errorf("poollock: cleanup: %d releases failed, first error: %w", failures, firstErr)
}
