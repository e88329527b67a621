// Package shmcache is the public facade for the shared-memory cache engine:
// a thin Create/Open/OpenOrCreate constructor set that wires the region,
// lock manager, layout, zone allocator, hash index, and stats together into
// one handle, exposing get/set/add/replace/delete/increment/decrement/
// exists/flush/stats as byte-oriented operations. It performs no value
// (de)serialization and no TTL bookkeeping — values are opaque bytes plus a
// caller-supplied flags byte, exactly what internal/engine operates on.
package shmcache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/shmcache-io/shmcache/internal/engine"
	"github.com/shmcache-io/shmcache/internal/layout"
	"github.com/shmcache-io/shmcache/internal/stats"
	"github.com/shmcache-io/shmcache/pkg/shmregion"
)

// Error sentinels re-exported from internal/engine so callers never need to
// import it directly. Match with errors.Is.
var (
	ErrLockTimeout   = engine.ErrLockTimeout
	ErrLockFailed    = engine.ErrLockFailed
	ErrValueTooLarge = engine.ErrValueTooLarge
	ErrKeyTooLong    = engine.ErrKeyTooLong
	ErrNotFound      = engine.ErrNotFound
	ErrAlreadyExists = engine.ErrAlreadyExists
	ErrNotNumeric    = engine.ErrNotNumeric
	ErrRegionCorrupt = engine.ErrRegionCorrupt
)

// MaxKeyLength and MaxValueSize are the hard per-item limits every
// operation enforces.
const (
	MaxKeyLength = layout.MaxKeyLength
	MaxValueSize = layout.MaxValueSize

	// MinRegionSize is the smallest RegionSize Create will accept.
	MinRegionSize = layout.MinRegionSize
)

// Snapshot is the result of Cache.Stats.
type Snapshot = stats.Snapshot

// Options configures a new or attaching Cache.
type Options struct {
	// Dir is the directory the region's backing file (and its sibling
	// "<name>.locks" directory) live under. Defaults to
	// shmregion.DefaultDir() (/dev/shm, falling back to os.TempDir()).
	Dir string

	// Name identifies the region within Dir. Required.
	Name string

	// RegionSize is the total backing file size in bytes, including the
	// fixed header areas. Must be at least MinRegionSize. The creating
	// process picks this value; every later attacher to the same name
	// must pass the identical value.
	RegionSize int64

	// Logger receives structured records at region create/attach and zone
	// eviction boundaries. A nil Logger discards every record; it is never
	// consulted on the per-operation hot path.
	Logger *slog.Logger
}

func (o Options) dir() string {
	if o.Dir != "" {
		return o.Dir
	}

	return shmregion.DefaultDir()
}

// Cache is one process's attachment to a shared-memory cache region.
// Multiple processes, and multiple Cache values within one process, may
// attach the same name concurrently.
type Cache struct {
	e *engine.Engine
}

// Create creates a brand-new region and returns an attached Cache. It is an
// error for the region to already exist; use OpenOrCreate for
// create-if-missing semantics.
func Create(opts Options) (*Cache, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("shmcache: Options.Name is required")
	}

	e, err := engine.Create(opts.dir(), opts.Name, opts.RegionSize, opts.Logger)
	if err != nil {
		return nil, err
	}

	return &Cache{e: e}, nil
}

// Open attaches an existing region.
func Open(opts Options) (*Cache, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("shmcache: Options.Name is required")
	}

	e, err := engine.Open(opts.dir(), opts.Name, opts.RegionSize, opts.Logger)
	if err != nil {
		return nil, err
	}

	return &Cache{e: e}, nil
}

// OpenOrCreate attaches the region if it already exists, creating it
// otherwise.
func OpenOrCreate(opts Options) (*Cache, error) {
	c, err := Open(opts)
	if err == nil {
		return c, nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	return Create(opts)
}

// Get returns the value stored for key, or ErrNotFound.
func (c *Cache) Get(key []byte) ([]byte, error) { return c.e.Get(key) }

// Exists reports whether key is present, without affecting hit/miss stats.
func (c *Cache) Exists(key []byte) (bool, error) { return c.e.Exists(key) }

// Set stores value under key unconditionally.
func (c *Cache) Set(key, value []byte, flags byte) error { return c.e.Set(key, value, flags) }

// Add stores value under key only if it does not already exist.
func (c *Cache) Add(key, value []byte, flags byte) error { return c.e.Add(key, value, flags) }

// Replace stores value under key only if it already exists.
func (c *Cache) Replace(key, value []byte, flags byte) error { return c.e.Replace(key, value, flags) }

// Delete removes key, returning ErrNotFound if absent.
func (c *Cache) Delete(key []byte) error { return c.e.Delete(key) }

// Increment adds delta to the numeric ASCII-decimal value at key.
func (c *Cache) Increment(key []byte, delta uint64) (uint64, error) { return c.e.Increment(key, delta) }

// Decrement subtracts delta from the numeric ASCII-decimal value at key,
// saturating at 0.
func (c *Cache) Decrement(key []byte, delta uint64) (uint64, error) { return c.e.Decrement(key, delta) }

// Flush clears every stored item and resets the eviction ring, without
// resetting the cumulative hit/miss counters.
func (c *Cache) Flush() error { return c.e.Flush() }

// Verify is a read-only diagnostic that checks the region's structural
// invariants, returning ErrRegionCorrupt with details on the first
// violation found.
func (c *Cache) Verify() error { return c.e.Verify() }

// Stats returns the current counters plus structural facts about the
// region.
func (c *Cache) Stats() (Snapshot, error) { return c.e.Stats() }

// Close releases this process's attachment (unmaps the region, closes lock
// file descriptors) without affecting the region's contents or other
// attached processes.
func (c *Cache) Close() error { return c.e.Close() }

// Destroy removes the region's backing object entirely. Every process
// attached to the same name should Close first.
func (c *Cache) Destroy() error { return c.e.Destroy() }
