package engine

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/shmcache-io/shmcache/internal/index"
	"github.com/shmcache-io/shmcache/internal/layout"
	"github.com/shmcache-io/shmcache/internal/zone"
	"github.com/shmcache-io/shmcache/pkg/shmlock"
)

// walkBucketForWrite walks bucket's chain looking for key, taking each
// candidate chunk's zone write lock in turn. A mismatched chunk's zone lock
// is released before moving to hash_next; a matching chunk's zone lock is
// left held and returned to the caller, since read->write upgrade is not a
// supported transition on RWLock and every mutating path needs the write
// lock anyway. The caller must already hold bucket's write lock.
func (e *Engine) walkBucketForWrite(bucket int, key []byte) (zone.Ref, zone.Meta, *shmlock.RWLock, bool, error) {
	ref, err := e.idx.ReadBucketHead(bucket)
	if err != nil {
		return zone.RefNone, zone.Meta{}, nil, false, err
	}

	for ref != zone.RefNone {
		zi := zone.ZoneOf(e.layout, ref)

		zl, err := e.locks.Zone(zi)
		if err != nil {
			return zone.RefNone, zone.Meta{}, nil, false, err
		}

		if err := zl.LockWrite(); err != nil {
			return zone.RefNone, zone.Meta{}, nil, false, fmt.Errorf("%w: %v", ErrLockFailed, err)
		}

		m, err := zone.ReadMeta(e.region, e.layout, ref)
		if err != nil {
			_ = zl.ReleaseWrite()
			return zone.RefNone, zone.Meta{}, nil, false, err
		}

		if bytes.Equal(m.KeyBytes(), key) {
			return ref, m, zl, true, nil
		}

		next := m.HashNext

		if err := zl.ReleaseWrite(); err != nil {
			return zone.RefNone, zone.Meta{}, nil, false, err
		}

		ref = next
	}

	return zone.RefNone, zone.Meta{}, nil, false, nil
}

// allocateInNewestZone allocates space for key/value/flags in the ring
// buffer's current newest zone. If that zone has no room, it escalates to
// the oldest_zone_index write lock, evicts the oldest zone (unlinking every
// chunk it held from its bucket chain via the zone->bucket try-lock
// inversion), advances oldest_zone_index past it, and retries the
// allocation in the zone just freed — which is by construction the new
// newest zone. Returns the new chunk's ref and the zone index it landed in.
func (e *Engine) allocateInNewestZone(key []byte, valSize int64, flags byte, payload []byte) (zone.Ref, int, error) {
	ozl, err := e.locks.OldestZoneIndex()
	if err != nil {
		return zone.RefNone, 0, err
	}

	if err := ozl.LockRead(); err != nil {
		return zone.RefNone, 0, fmt.Errorf("%w: %v", ErrLockFailed, err)
	}

	oldest, err := e.readOldestZoneIndex()
	if err != nil {
		_ = ozl.ReleaseRead()
		return zone.RefNone, 0, err
	}

	newest := e.layout.NewestZoneIndex(oldest)

	ref, allocErr := e.allocInZone(newest, key, valSize, flags, payload)

	if relErr := ozl.ReleaseRead(); relErr != nil && allocErr == nil {
		allocErr = relErr
	}

	if allocErr == nil {
		return ref, newest, nil
	}

	var full zone.ErrZoneFull
	if !errors.As(allocErr, &full) {
		return zone.RefNone, 0, allocErr
	}

	return e.evictAndAllocate(ozl, key, valSize, flags, payload)
}

func (e *Engine) allocInZone(zoneIdx int, key []byte, valSize int64, flags byte, payload []byte) (zone.Ref, error) {
	zl, err := e.locks.Zone(zoneIdx)
	if err != nil {
		return zone.RefNone, err
	}

	if err := zl.LockWrite(); err != nil {
		return zone.RefNone, fmt.Errorf("%w: %v", ErrLockFailed, err)
	}

	ref, allocErr := zone.Alloc(e.region, e.layout, zoneIdx, key, valSize, flags, payload)

	if relErr := zl.ReleaseWrite(); relErr != nil && allocErr == nil {
		allocErr = relErr
	}

	return ref, allocErr
}

// evictAndAllocate holds the oldest_zone_index write lock throughout:
// re-reads oldest_zone_index (it may have changed since the optimistic
// attempt), evicts that zone, advances the ring, and allocates in the
// newly-freed zone before releasing.
func (e *Engine) evictAndAllocate(ozl *shmlock.RWLock, key []byte, valSize int64, flags byte, payload []byte) (zone.Ref, int, error) {
	if err := ozl.LockWrite(); err != nil {
		return zone.RefNone, 0, fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	defer func() { _ = ozl.ReleaseWrite() }()

	oldest, err := e.readOldestZoneIndex()
	if err != nil {
		return zone.RefNone, 0, err
	}

	zl, err := e.locks.Zone(oldest)
	if err != nil {
		return zone.RefNone, 0, err
	}

	if err := zl.LockWrite(); err != nil {
		return zone.RefNone, 0, fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	defer func() { _ = zl.ReleaseWrite() }()

	unlinker := index.EvictUnlinker{
		Index:   e.idx,
		Region:  e.region,
		Layout:  e.layout,
		Buckets: bucketTryLockAdapter{locks: e.locks},
		Locks:   evictLockAdapter{zone: zl, oldest: ozl},
	}

	if err := zone.RemoveAllChunksInZone(e.region, e.layout, oldest, unlinker); err != nil {
		e.log.Warn("zone eviction failed", "zone", oldest, "err", err)

		if errors.Is(err, shmlock.ErrWouldBlock) {
			return zone.RefNone, 0, fmt.Errorf("%w: evict zone %d: %v", ErrLockTimeout, oldest, err)
		}

		return zone.RefNone, 0, fmt.Errorf("engine: evict zone %d: %w", oldest, err)
	}

	e.log.Info("zone evicted", "zone", oldest, "key", string(key))

	if err := e.writeOldestZoneIndex(e.layout.NextZoneIndex(oldest)); err != nil {
		return zone.RefNone, 0, err
	}

	ref, err := zone.Alloc(e.region, e.layout, oldest, key, valSize, flags, payload)
	if err != nil {
		return zone.RefNone, 0, fmt.Errorf("engine: alloc in freshly evicted zone %d: %w", oldest, err)
	}

	return ref, oldest, nil
}

// replaceValueWithLockHeld updates the chunk at ref to hold newValue,
// either in place (when it still fits within the chunk's current
// allocation) or by freeing the old chunk and allocating fresh space in the
// newest zone. The caller must hold bucket's write lock and, for the
// duration of this call, ref's zone write lock (released by the caller
// afterwards regardless of which path was taken).
func (e *Engine) replaceValueWithLockHeld(bucket int, ref zone.Ref, existing zone.Meta, key, newValue []byte, flags byte) (zone.Ref, error) {
	needed := int64(len(newValue))

	if needed <= existing.ValAllocSize {
		m := existing
		m.ValSize = needed
		m.Flags = flags

		if err := zone.WriteMeta(e.region, e.layout, ref, m); err != nil {
			return zone.RefNone, err
		}

		if err := zone.WritePayload(e.region, e.layout, ref, newValue); err != nil {
			return zone.RefNone, err
		}

		return ref, nil
	}

	// Unlink before Free: WriteFreeChunk zeroes hash_next, and Unlink
	// needs ref's original hash_next to relink its predecessor (or the
	// bucket head) to ref's successor.
	if err := e.idx.Unlink(bucket, ref); err != nil {
		return zone.RefNone, err
	}

	zoneIdx := zone.ZoneOf(e.layout, ref)

	if err := zone.Free(e.region, e.layout, zoneIdx, ref); err != nil {
		return zone.RefNone, err
	}

	newRef, _, err := e.allocateInNewestZone(key, needed, flags, newValue)
	if err != nil {
		return zone.RefNone, err
	}

	if err := e.idx.Append(bucket, newRef); err != nil {
		return zone.RefNone, err
	}

	return newRef, nil
}

// deleteChunkWithLockHeld unlinks ref from bucket's chain and frees its
// zone space, then releases zl (ref's zone write lock), which the caller
// must be holding on entry along with bucket's write lock. Unlink runs
// before Free for the same reason as in replaceValueWithLockHeld: Free
// zeroes hash_next, which Unlink needs intact to relink ref's neighbors.
func (e *Engine) deleteChunkWithLockHeld(bucket int, ref zone.Ref, zl *shmlock.RWLock) error {
	defer func() { _ = zl.ReleaseWrite() }()

	if err := e.idx.Unlink(bucket, ref); err != nil {
		return err
	}

	zoneIdx := zone.ZoneOf(e.layout, ref)

	return zone.Free(e.region, e.layout, zoneIdx, ref)
}

type upsertMode int

const (
	modeSet upsertMode = iota
	modeAdd
	modeReplace
)

// Set stores value under key unconditionally, overwriting any existing
// value.
func (e *Engine) Set(key, value []byte, flags byte) error {
	return e.upsert(key, value, flags, modeSet)
}

// Add stores value under key only if key does not already exist, returning
// ErrAlreadyExists otherwise.
func (e *Engine) Add(key, value []byte, flags byte) error {
	return e.upsert(key, value, flags, modeAdd)
}

// Replace stores value under key only if key already exists, returning
// ErrNotFound otherwise.
func (e *Engine) Replace(key, value []byte, flags byte) error {
	return e.upsert(key, value, flags, modeReplace)
}

func (e *Engine) upsert(key, value []byte, flags byte, mode upsertMode) error {
	if err := validateKey(key); err != nil {
		return err
	}

	el, err := e.locks.Everything()
	if err != nil {
		return err
	}

	if err := el.LockRead(); err != nil {
		return fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	defer func() { _ = el.ReleaseRead() }()

	bucket := index.BucketFor(key)

	bl, err := e.locks.Bucket(bucket)
	if err != nil {
		return err
	}

	if err := bl.LockWrite(); err != nil {
		return fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	defer func() { _ = bl.ReleaseWrite() }()

	ref, m, zl, found, err := e.walkBucketForWrite(bucket, key)
	if err != nil {
		return err
	}

	// A value rejected as too large still removes any pre-existing entry
	// under the same key, matching memcached's set-failure semantics.
	if valErr := validateValue(value); valErr != nil {
		if found {
			if err := e.deleteChunkWithLockHeld(bucket, ref, zl); err != nil {
				return err
			}
		}

		return valErr
	}

	if found {
		defer func() { _ = zl.ReleaseWrite() }()

		if mode == modeAdd {
			return ErrAlreadyExists
		}

		_, err := e.replaceValueWithLockHeld(bucket, ref, m, key, value, flags)
		return err
	}

	if mode == modeReplace {
		return ErrNotFound
	}

	newRef, _, err := e.allocateInNewestZone(key, int64(len(value)), flags, value)
	if err != nil {
		return err
	}

	return e.idx.Append(bucket, newRef)
}

// Delete removes key, returning ErrNotFound if it is not present.
func (e *Engine) Delete(key []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	el, err := e.locks.Everything()
	if err != nil {
		return err
	}

	if err := el.LockRead(); err != nil {
		return fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	defer func() { _ = el.ReleaseRead() }()

	bucket := index.BucketFor(key)

	bl, err := e.locks.Bucket(bucket)
	if err != nil {
		return err
	}

	if err := bl.LockWrite(); err != nil {
		return fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	defer func() { _ = bl.ReleaseWrite() }()

	ref, _, zl, found, err := e.walkBucketForWrite(bucket, key)
	if err != nil {
		return err
	}

	if !found {
		return ErrNotFound
	}

	return e.deleteChunkWithLockHeld(bucket, ref, zl)
}

// Increment adds delta to the numeric ASCII-decimal value stored at key,
// returning ErrNotNumeric if the current value does not parse as one. An
// absent key counts as 0, so it is created holding delta.
func (e *Engine) Increment(key []byte, delta uint64) (uint64, error) {
	return e.incrDecr(key, delta, true)
}

// Decrement subtracts delta from the numeric ASCII-decimal value stored at
// key, saturating at 0 rather than underflowing. An absent key counts as 0,
// so it is created holding 0.
func (e *Engine) Decrement(key []byte, delta uint64) (uint64, error) {
	return e.incrDecr(key, delta, false)
}

func (e *Engine) incrDecr(key []byte, delta uint64, up bool) (uint64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	el, err := e.locks.Everything()
	if err != nil {
		return 0, err
	}

	if err := el.LockRead(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	defer func() { _ = el.ReleaseRead() }()

	bucket := index.BucketFor(key)

	bl, err := e.locks.Bucket(bucket)
	if err != nil {
		return 0, err
	}

	if err := bl.LockWrite(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	defer func() { _ = bl.ReleaseWrite() }()

	ref, m, zl, found, err := e.walkBucketForWrite(bucket, key)
	if err != nil {
		return 0, err
	}

	if !found {
		// An absent key counts as 0; the result is stored as a new entry.
		next := uint64(0)
		if up {
			next = delta
		}

		newValue := []byte(strconv.FormatUint(next, 10))

		newRef, _, err := e.allocateInNewestZone(key, int64(len(newValue)), 0, newValue)
		if err != nil {
			return 0, err
		}

		return next, e.idx.Append(bucket, newRef)
	}
	defer func() { _ = zl.ReleaseWrite() }()

	cur, err := zone.ReadPayload(e.region, e.layout, ref, m.ValSize)
	if err != nil {
		return 0, err
	}

	n, perr := strconv.ParseUint(string(cur), 10, 64)
	if perr != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotNumeric, perr)
	}

	var next uint64

	switch {
	case up:
		next = n + delta
	case delta > n:
		next = 0
	default:
		next = n - delta
	}

	newValue := []byte(strconv.FormatUint(next, 10))

	if _, err := e.replaceValueWithLockHeld(bucket, ref, m, key, newValue, m.Flags); err != nil {
		return 0, err
	}

	return next, nil
}

// Flush reinitializes every zone as one free chunk, clears the entire
// bucket table, and resets oldest_zone_index to 0. It does not reset the
// get_hits/get_misses counters, which are treated as persistent historical
// stats rather than per-generation state.
func (e *Engine) Flush() error {
	el, err := e.locks.Everything()
	if err != nil {
		return err
	}

	if err := el.LockWrite(); err != nil {
		return fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	defer func() { _ = el.ReleaseWrite() }()

	for i := 0; i < e.layout.ZoneCount; i++ {
		zl, err := e.locks.Zone(i)
		if err != nil {
			return err
		}

		if err := zl.LockWrite(); err != nil {
			return fmt.Errorf("%w: %v", ErrLockFailed, err)
		}

		err = zone.InitZone(e.region, e.layout, i)

		if relErr := zl.ReleaseWrite(); relErr != nil && err == nil {
			err = relErr
		}

		if err != nil {
			return fmt.Errorf("engine: flush zone %d: %w", i, err)
		}
	}

	for i := 0; i < layout.BucketCount; i++ {
		bl, err := e.locks.Bucket(i)
		if err != nil {
			return err
		}

		if err := bl.LockWrite(); err != nil {
			return fmt.Errorf("%w: %v", ErrLockFailed, err)
		}

		err = e.idx.WriteBucketHead(i, zone.RefNone)

		if relErr := bl.ReleaseWrite(); relErr != nil && err == nil {
			err = relErr
		}

		if err != nil {
			return fmt.Errorf("engine: flush bucket %d: %w", i, err)
		}
	}

	return e.writeOldestZoneIndex(0)
}

// Verify is a read-only diagnostic that walks every zone's chunk chain and
// confirms the chain's total size matches used_space, and that
// oldest_zone_index is in range. It never mutates the region.
func (e *Engine) Verify() error {
	el, err := e.locks.Everything()
	if err != nil {
		return err
	}

	if err := el.LockRead(); err != nil {
		return fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	defer func() { _ = el.ReleaseRead() }()

	ozl, err := e.locks.OldestZoneIndex()
	if err != nil {
		return err
	}

	if err := ozl.LockRead(); err != nil {
		return fmt.Errorf("%w: %v", ErrLockFailed, err)
	}

	_, err = e.readOldestZoneIndex()

	if relErr := ozl.ReleaseRead(); relErr != nil && err == nil {
		err = relErr
	}

	if err != nil {
		return err
	}

	for i := 0; i < e.layout.ZoneCount; i++ {
		zl, err := e.locks.Zone(i)
		if err != nil {
			return err
		}

		if err := zl.LockRead(); err != nil {
			return fmt.Errorf("%w: %v", ErrLockFailed, err)
		}

		err = verifyZone(e.region, e.layout, i)

		if relErr := zl.ReleaseRead(); relErr != nil && err == nil {
			err = relErr
		}

		if err != nil {
			return fmt.Errorf("engine: verify zone %d: %w", i, err)
		}
	}

	return nil
}

func verifyZone(r zone.RegionIO, l layout.Layout, zoneIdx int) error {
	used, err := zone.UsedSpace(r, l, zoneIdx)
	if err != nil {
		return err
	}

	if used < 0 || used > layout.MaxChunkSize {
		return fmt.Errorf("%w: zone %d used_space %d out of range [0,%d]", ErrRegionCorrupt, zoneIdx, used, layout.MaxChunkSize)
	}

	var summed int64

	_, err = walkZoneChunks(r, l, zoneIdx, func(ref zone.Ref, m zone.Meta) error {
		if m.TotalSize() <= 0 {
			return fmt.Errorf("%w: zone %d chunk at %d has non-positive size", ErrRegionCorrupt, zoneIdx, ref)
		}

		summed += m.TotalSize()

		return nil
	})
	if err != nil {
		return err
	}

	if summed != used {
		return fmt.Errorf("%w: zone %d chunk chain sums to %d, used_space is %d", ErrRegionCorrupt, zoneIdx, summed, used)
	}

	return nil
}
