package engine

import (
	"fmt"

	"github.com/shmcache-io/shmcache/internal/index"
	"github.com/shmcache-io/shmcache/internal/stats"
	"github.com/shmcache-io/shmcache/internal/zone"
)

// found is the result of looking up a key.
type found struct {
	ref     zone.Ref
	meta    zone.Meta
	payload []byte
}

// lookupInBucket locates key in bucket's chain via the shared index walk,
// then re-acquires that one chunk's zone read lock to fetch its payload.
// Caller must hold bucket's lock (read or write): since every mutation of a
// chunk's content or chain membership requires the bucket write lock, no
// other process can free or overwrite ref between the two zone-lock
// acquisitions while the caller's bucket lock is held.
func (e *Engine) lookupInBucket(bucket int, key []byte) (found, bool, error) {
	locker := zoneReadLockAdapter{locks: e.locks}

	ref, m, ok, err := e.idx.Lookup(locker, bucket, key)
	if err != nil || !ok {
		return found{}, false, err
	}

	zi := zone.ZoneOf(e.layout, ref)

	if err := locker.LockZoneRead(zi); err != nil {
		return found{}, false, err
	}

	payload, err := zone.ReadPayload(e.region, e.layout, ref, m.ValSize)

	if relErr := locker.ReleaseZoneRead(zi); relErr != nil && err == nil {
		err = relErr
	}

	if err != nil {
		return found{}, false, err
	}

	return found{ref: ref, meta: m, payload: payload}, true, nil
}

// Get returns the value stored for key, or ErrNotFound. Updates the
// get_hits/get_misses counters.
func (e *Engine) Get(key []byte) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	el, err := e.locks.Everything()
	if err != nil {
		return nil, err
	}

	if err := el.LockRead(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	defer func() { _ = el.ReleaseRead() }()

	bucket := index.BucketFor(key)

	bl, err := e.locks.Bucket(bucket)
	if err != nil {
		return nil, err
	}

	if err := bl.LockRead(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	defer func() { _ = bl.ReleaseRead() }()

	f, ok, err := e.lookupInBucket(bucket, key)
	if err != nil {
		return nil, err
	}

	if err := e.bumpStats(ok); err != nil {
		return nil, err
	}

	if !ok {
		return nil, ErrNotFound
	}

	return f.payload, nil
}

// Exists reports whether key is present, without affecting hit/miss
// counters.
func (e *Engine) Exists(key []byte) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	el, err := e.locks.Everything()
	if err != nil {
		return false, err
	}

	if err := el.LockRead(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	defer func() { _ = el.ReleaseRead() }()

	bucket := index.BucketFor(key)

	bl, err := e.locks.Bucket(bucket)
	if err != nil {
		return false, err
	}

	if err := bl.LockRead(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	defer func() { _ = bl.ReleaseRead() }()

	_, ok, err := e.lookupInBucket(bucket, key)

	return ok, err
}

func (e *Engine) bumpStats(hit bool) error {
	sl, err := e.locks.Stats()
	if err != nil {
		return err
	}

	if err := sl.LockWrite(); err != nil {
		return fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	defer func() { _ = sl.ReleaseWrite() }()

	if hit {
		return stats.AddHit(e.region, e.layout, 1)
	}

	return stats.AddMiss(e.region, e.layout, 1)
}

// Stats returns the aggregate snapshot (counters plus zone/bucket
// structural facts).
func (e *Engine) Stats() (stats.Snapshot, error) {
	el, err := e.locks.Everything()
	if err != nil {
		return stats.Snapshot{}, err
	}

	if err := el.LockRead(); err != nil {
		return stats.Snapshot{}, fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	defer func() { _ = el.ReleaseRead() }()

	ozl, err := e.locks.OldestZoneIndex()
	if err != nil {
		return stats.Snapshot{}, err
	}

	if err := ozl.LockRead(); err != nil {
		return stats.Snapshot{}, fmt.Errorf("%w: %v", ErrLockFailed, err)
	}

	oldest, err := e.readOldestZoneIndex()

	if relErr := ozl.ReleaseRead(); relErr != nil && err == nil {
		err = relErr
	}

	if err != nil {
		return stats.Snapshot{}, err
	}

	sl, err := e.locks.Stats()
	if err != nil {
		return stats.Snapshot{}, err
	}

	if err := sl.LockRead(); err != nil {
		return stats.Snapshot{}, fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	defer func() { _ = sl.ReleaseRead() }()

	return stats.Aggregate(e.region, e.layout, oldest, zoneStatsAdapter{e})
}

type zoneStatsAdapter struct {
	e *Engine
}

// ZoneStats walks zoneIdx's chunk chain under that zone's read lock,
// counting live chunks and summing their val_size.
func (z zoneStatsAdapter) ZoneStats(zoneIdx int) (int, int64, int64, error) {
	zl, err := z.e.locks.Zone(zoneIdx)
	if err != nil {
		return 0, 0, 0, err
	}

	if err := zl.LockRead(); err != nil {
		return 0, 0, 0, err
	}
	defer func() { _ = zl.ReleaseRead() }()

	var (
		items int
		value int64
	)

	used, err := walkZoneChunks(z.e.region, z.e.layout, zoneIdx, func(_ zone.Ref, m zone.Meta) error {
		if m.Live() {
			items++
			value += m.ValSize
		}

		return nil
	})
	if err != nil {
		return 0, 0, 0, err
	}

	return items, value, used, nil
}
