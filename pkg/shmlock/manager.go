package shmlock

import (
	"fmt"
	"path/filepath"
	"sync"
)

// Well-known tags for the cache engine's fixed lock set.
const (
	TagEverything      = "everything"
	TagStats           = "stats"
	TagOldestZoneIndex = "oldestzoneindex"
)

// BucketTag returns the tag for bucket i's lock.
func BucketTag(i int) string { return fmt.Sprintf("bucket%d", i) }

// ZoneTag returns the tag for zone i's lock.
func ZoneTag(i int) string { return fmt.Sprintf("zone%d", i) }

// Manager is a registry of named locks. It lazily instantiates an RWLock
// the first time a tag is requested and caches it until Close, so one
// Manager hands out exactly one handle per tag, which RWLock's reentrant
// counters depend on. Manager is not a process-wide singleton: each
// engine attachment creates its own, and two Managers in one process hold
// separate handles (separate file descriptors) that exclude each other the
// way handles in separate processes do.
type Manager struct {
	dir string // directory holding one lock file per tag

	mu    sync.Mutex
	locks map[string]*RWLock
}

// NewManager creates a Manager whose lock files live under dir (typically
// a directory stable across all processes attaching to the same region,
// e.g. "<region-path>.locks/"). The directory is created lazily on first
// use, not by NewManager itself.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, locks: make(map[string]*RWLock)}
}

// Get returns the RWLock for tag, creating it on first access.
func (m *Manager) Get(tag string) (*RWLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.locks[tag]; ok {
		return l, nil
	}

	l, err := newRWLock(tag, filepath.Join(m.dir, tag+".lock"))
	if err != nil {
		return nil, err
	}

	m.locks[tag] = l

	return l, nil
}

// Everything returns the "everything" lock.
func (m *Manager) Everything() (*RWLock, error) { return m.Get(TagEverything) }

// Stats returns the "stats" lock.
func (m *Manager) Stats() (*RWLock, error) { return m.Get(TagStats) }

// OldestZoneIndex returns the "oldestzoneindex" lock.
func (m *Manager) OldestZoneIndex() (*RWLock, error) { return m.Get(TagOldestZoneIndex) }

// Bucket returns the lock for bucket i.
func (m *Manager) Bucket(i int) (*RWLock, error) { return m.Get(BucketTag(i)) }

// Zone returns the lock for zone i.
func (m *Manager) Zone(i int) (*RWLock, error) { return m.Get(ZoneTag(i)) }

// Close releases every lock file descriptor this manager has opened. Any
// locks still held by this process are released as a side effect.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error

	for _, l := range m.locks {
		if err := l.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	m.locks = make(map[string]*RWLock)

	return firstErr
}
