package shmlock

import (
	"fmt"
	"os"
	"sync"
)

// RWLock is a fair multi-reader/single-writer lock identified by a string
// tag and visible to every process that names the same tag.
//
// An RWLock is reentrant per-process: a second lock_write from the same
// handle while it already holds the write lock increments a local counter
// and returns immediately, and likewise for reads. Only the innermost
// release actually touches the OS primitive. A given tag must only ever be
// instantiated by one local RWLock handle per process — the nesting
// counters are per-handle, so two handles for the same tag in one process
// would defeat reentrancy and could deadlock each other.
type RWLock struct {
	tag  string
	path string

	// mu serializes nesting-counter bookkeeping; it never guards anything
	// beyond the counters themselves, so it is held only very briefly.
	mu sync.Mutex

	file *os.File // open once, reused for all flock calls on this handle

	writeDepth int // nesting count while this handle holds the write lock
	readDepth  int // nesting count while this handle holds the read lock
}

// newRWLock opens (creating if needed) the lock file backing tag and
// returns a fresh, unlocked handle. Callers obtain these exclusively through
// Manager, which enforces the one-handle-per-tag-per-process rule.
func newRWLock(tag, path string) (*RWLock, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, fmt.Errorf("shmlock: open lock file for tag %q: %w", tag, err)
	}

	return &RWLock{tag: tag, path: path, file: f}, nil
}

// Tag returns the name this lock was registered under.
func (l *RWLock) Tag() string { return l.tag }

// LockRead blocks until a read lock is held. Reentrant: a handle that
// already holds the read (or write) lock returns immediately.
func (l *RWLock) LockRead() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.readDepth > 0 || l.writeDepth > 0 {
		l.readDepth++
		return nil
	}

	if err := flockAcquire(l.file, flockShared, false); err != nil {
		return fmt.Errorf("shmlock: lock_read %q: %w", l.tag, err)
	}

	l.readDepth = 1

	return nil
}

// TryLockRead attempts a non-blocking read lock. Returns ErrWouldBlock if a
// writer (outside this handle) currently holds it.
func (l *RWLock) TryLockRead() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.readDepth > 0 || l.writeDepth > 0 {
		l.readDepth++
		return nil
	}

	if err := flockAcquire(l.file, flockShared, true); err != nil {
		return err
	}

	l.readDepth = 1

	return nil
}

// ReleaseRead decrements the read nesting counter, releasing the OS lock
// only when it reaches zero.
func (l *RWLock) ReleaseRead() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.readDepth == 0 {
		return fmt.Errorf("shmlock: release_read %q: not held", l.tag)
	}

	l.readDepth--
	if l.readDepth > 0 || l.writeDepth > 0 {
		return nil
	}

	if err := flockRelease(l.file); err != nil {
		return fmt.Errorf("shmlock: release_read %q: %w", l.tag, err)
	}

	return nil
}

// LockWrite blocks until an exclusive write lock is held. Reentrant the same
// way LockRead is.
func (l *RWLock) LockWrite() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writeDepth > 0 {
		l.writeDepth++
		return nil
	}

	if l.readDepth > 0 {
		// Upgrading a held read to a write within the same handle is not a
		// supported transition; the engine always acquires the mode it
		// needs up front.
		return fmt.Errorf("shmlock: lock_write %q: already holds read lock", l.tag)
	}

	if err := flockAcquire(l.file, flockExclusive, false); err != nil {
		return fmt.Errorf("shmlock: lock_write %q: %w", l.tag, err)
	}

	l.writeDepth = 1

	return nil
}

// TryLockWrite attempts a non-blocking write lock.
func (l *RWLock) TryLockWrite() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writeDepth > 0 {
		l.writeDepth++
		return nil
	}

	if l.readDepth > 0 {
		return fmt.Errorf("shmlock: try_lock_write %q: already holds read lock", l.tag)
	}

	if err := flockAcquire(l.file, flockExclusive, true); err != nil {
		return err
	}

	l.writeDepth = 1

	return nil
}

// ReleaseWrite decrements the write nesting counter, releasing the OS lock
// only when it reaches zero.
func (l *RWLock) ReleaseWrite() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writeDepth == 0 {
		return fmt.Errorf("shmlock: release_write %q: not held", l.tag)
	}

	l.writeDepth--
	if l.writeDepth > 0 {
		return nil
	}

	if err := flockRelease(l.file); err != nil {
		return fmt.Errorf("shmlock: release_write %q: %w", l.tag, err)
	}

	return nil
}

// HeldWrite reports whether this handle currently holds the write lock
// (used by tests, never for control flow that would race).
func (l *RWLock) HeldWrite() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.writeDepth > 0
}

// close releases the underlying file descriptor. Any still-held lock is
// released as a side effect of closing, matching flock(2) semantics.
func (l *RWLock) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	err := l.file.Close()
	l.file = nil

	return err
}
