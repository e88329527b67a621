// Package engine implements the cache engine: the orchestration layer
// tying the shared region, the lock manager, the zone allocator, and the
// hash index together into lookup/set/add/replace/delete/increment/
// decrement/exists/flush/destroy, under the lock hierarchy everything ->
// bucket -> oldest_zone_index -> zone (with a try-lock-only zone->bucket
// inversion during zone-wide eviction).
package engine

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/shmcache-io/shmcache/internal/index"
	"github.com/shmcache-io/shmcache/internal/layout"
	"github.com/shmcache-io/shmcache/internal/zone"
	"github.com/shmcache-io/shmcache/pkg/shmlock"
	"github.com/shmcache-io/shmcache/pkg/shmregion"
)

// Engine is one process's attachment to a shared cache region.
type Engine struct {
	region *shmregion.Region
	layout layout.Layout
	locks  *shmlock.Manager
	idx    *index.Index
	log    *slog.Logger

	dir  string
	name string
}

// discardLogger is used whenever a caller passes a nil *slog.Logger, so
// every log call site can unconditionally call e.log.Info/Warn without a
// nil check.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Create creates a brand-new region of regionSize bytes at dir/name,
// initializes every zone as one free chunk, zeroes the bucket table, and
// sets oldest_zone_index to 0. A nil logger discards every log record.
func Create(dir, name string, regionSize int64, logger *slog.Logger) (*Engine, error) {
	l, err := layout.New(regionSize)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	region, err := shmregion.Create(dir, name, regionSize)
	if err != nil {
		return nil, fmt.Errorf("engine: create region: %w", err)
	}

	e := newEngine(region, l, dir, name, logger)

	e.log.Info("region created", "dir", dir, "name", name, "region_size", regionSize, "zone_count", l.ZoneCount)

	for i := 0; i < l.ZoneCount; i++ {
		zl, err := e.locks.Zone(i)
		if err != nil {
			return nil, err
		}

		if err := zl.LockWrite(); err != nil {
			return nil, err
		}

		err = zone.InitZone(region, l, i)

		if relErr := zl.ReleaseWrite(); relErr != nil && err == nil {
			err = relErr
		}

		if err != nil {
			return nil, fmt.Errorf("engine: init zone %d: %w", i, err)
		}
	}

	if err := e.writeOldestZoneIndex(0); err != nil {
		return nil, err
	}

	return e, nil
}

// Open attaches an existing region of regionSize bytes at dir/name. A nil
// logger discards every log record.
func Open(dir, name string, regionSize int64, logger *slog.Logger) (*Engine, error) {
	l, err := layout.New(regionSize)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	region, err := shmregion.Attach(dir, name, regionSize)
	if err != nil {
		return nil, fmt.Errorf("engine: attach region: %w", err)
	}

	e := newEngine(region, l, dir, name, logger)

	e.log.Info("region attached", "dir", dir, "name", name, "region_size", regionSize)

	return e, nil
}

func newEngine(region *shmregion.Region, l layout.Layout, dir, name string, logger *slog.Logger) *Engine {
	lockDir := filepath.Join(dir, name+".locks")

	if logger == nil {
		logger = discardLogger()
	}

	return &Engine{
		region: region,
		layout: l,
		locks:  shmlock.NewManager(lockDir),
		idx:    index.New(region, l),
		log:    logger.With("component", "shmcache"),
		dir:    dir,
		name:   name,
	}
}

// Close releases this process's attachment (mapping and lock file
// descriptors) without affecting the region's contents or other attached
// processes.
func (e *Engine) Close() error {
	var firstErr error

	if err := e.locks.Close(); err != nil {
		firstErr = err
	}

	if err := e.region.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// Destroy removes the region's backing object entirely. The caller should
// Close this and every other Engine attached to the same name first.
func (e *Engine) Destroy() error {
	return shmregion.Destroy(e.dir, e.name)
}

func (e *Engine) readOldestZoneIndex() (int, error) {
	buf, err := e.region.Read(e.layout.OffsetOldestZoneIndex(), layout.LongSize)
	if err != nil {
		return 0, fmt.Errorf("engine: read oldest_zone_index: %w", err)
	}

	idx := int(binary.LittleEndian.Uint64(buf))
	if idx < 0 || idx >= e.layout.ZoneCount {
		return 0, fmt.Errorf("%w: oldest_zone_index %d out of range [0,%d)", ErrRegionCorrupt, idx, e.layout.ZoneCount)
	}

	return idx, nil
}

func (e *Engine) writeOldestZoneIndex(idx int) error {
	buf := make([]byte, layout.LongSize)
	binary.LittleEndian.PutUint64(buf, uint64(idx))

	if err := e.region.Write(e.layout.OffsetOldestZoneIndex(), buf); err != nil {
		return fmt.Errorf("engine: write oldest_zone_index: %w", err)
	}

	return nil
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: key is empty", ErrKeyTooLong)
	}

	if len(key) > layout.MaxKeyLength {
		return fmt.Errorf("%w: key length %d exceeds %d", ErrKeyTooLong, len(key), layout.MaxKeyLength)
	}

	return nil
}

func validateValue(value []byte) error {
	if int64(len(value)) > layout.MaxValueSize {
		return fmt.Errorf("%w: value length %d exceeds %d", ErrValueTooLarge, len(value), layout.MaxValueSize)
	}

	return nil
}

// zoneReadLockAdapter satisfies index.ZoneReadLocker over this engine's
// lock manager.
type zoneReadLockAdapter struct {
	locks *shmlock.Manager
}

func (a zoneReadLockAdapter) LockZoneRead(zoneIdx int) error {
	l, err := a.locks.Zone(zoneIdx)
	if err != nil {
		return err
	}

	return l.LockRead()
}

func (a zoneReadLockAdapter) ReleaseZoneRead(zoneIdx int) error {
	l, err := a.locks.Zone(zoneIdx)
	if err != nil {
		return err
	}

	return l.ReleaseRead()
}

// bucketTryLockAdapter satisfies index.BucketTryLocker over this engine's
// lock manager, used only by EvictUnlinker during zone-wide eviction.
type bucketTryLockAdapter struct {
	locks *shmlock.Manager
}

func (a bucketTryLockAdapter) TryLockWriteBucket(bucket int) error {
	l, err := a.locks.Bucket(bucket)
	if err != nil {
		return err
	}

	return l.TryLockWrite()
}

func (a bucketTryLockAdapter) ReleaseWriteBucket(bucket int) error {
	l, err := a.locks.Bucket(bucket)
	if err != nil {
		return err
	}

	return l.ReleaseWrite()
}

// evictLockAdapter satisfies index.InversionLocks over the exact zone and
// oldest_zone_index lock handles evictAndAllocate holds, letting
// EvictUnlinker back out of the zone->bucket inversion on a bucket
// try-lock failure instead of spinning while still holding them.
type evictLockAdapter struct {
	zone   *shmlock.RWLock
	oldest *shmlock.RWLock
}

func (a evictLockAdapter) ReleaseZoneWrite() error   { return a.zone.ReleaseWrite() }
func (a evictLockAdapter) ReacquireZoneWrite() error { return a.zone.LockWrite() }

func (a evictLockAdapter) ReleaseOldestZoneIndexWrite() error { return a.oldest.ReleaseWrite() }
func (a evictLockAdapter) ReacquireOldestZoneIndexWrite() error { return a.oldest.LockWrite() }
