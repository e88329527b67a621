package index

import (
	"errors"
	"fmt"
	"time"

	"github.com/shmcache-io/shmcache/internal/layout"
	"github.com/shmcache-io/shmcache/internal/zone"
	"github.com/shmcache-io/shmcache/pkg/shmlock"
)

// BucketTryLocker is the narrow locking capability EvictUnlinker needs from
// a lock manager: a non-blocking write-lock attempt per bucket, used to
// satisfy the zone->bucket lock inversion that zone-wide eviction requires
// (the caller already holds the zone's write lock when eviction runs, so
// acquiring a bucket lock here must be try-only, never blocking, to avoid a
// lock-order deadlock against a writer going bucket-then-zone).
type BucketTryLocker interface {
	TryLockWriteBucket(bucket int) error
	ReleaseWriteBucket(bucket int) error
}

// InversionLocks is the zone and oldest_zone_index locking capability
// EvictUnlinker needs to implement the zone->bucket inversion's mandated
// backoff: on a bucket try-lock failure, it must drop both the zone and
// oldest_zone_index write locks the caller is holding throughout eviction
// before sleeping, then re-acquire oldest_zone_index and then zone (the
// normal acquire order, sans the bucket lock it is trying for) before
// retrying. Spinning on the bucket try-lock while still holding these two
// locks reintroduces the deadlock the inversion protocol exists to avoid.
type InversionLocks interface {
	ReleaseZoneWrite() error
	ReacquireZoneWrite() error
	ReleaseOldestZoneIndexWrite() error
	ReacquireOldestZoneIndexWrite() error
}

// EvictUnlinker adapts an Index into a zone.BucketUnlinker for use by
// zone.RemoveAllChunksInZone: for each evicted chunk, it recovers the
// chunk's bucket from its still-intact key, then unlinks it under a
// bounded try-lock-and-retry loop that backs out of the zone/oldest_zone_index
// locks between attempts.
type EvictUnlinker struct {
	Index   *Index
	Region  zone.RegionIO
	Layout  layout.Layout
	Buckets BucketTryLocker
	Locks   InversionLocks
	Timeout time.Duration // defaults to layout.TryLockTimeout if zero
}

// UnlinkChunk implements zone.BucketUnlinker. The caller must hold the
// zone's write lock and the oldest_zone_index write lock on entry;
// UnlinkChunk guarantees both are held again on every return, success or
// failure, even though it may drop and re-acquire them any number of times
// in between.
func (e EvictUnlinker) UnlinkChunk(ref zone.Ref) error {
	m, err := zone.ReadMeta(e.Region, e.Layout, ref)
	if err != nil {
		return err
	}

	bucket := BucketFor(m.KeyBytes())

	timeout := e.Timeout
	if timeout == 0 {
		timeout = layout.TryLockTimeout
	}

	deadline := time.Now().Add(timeout)

	locksHeld := true

	pollErr := shmlock.PollUntil(deadline, func() (bool, error) {
		if !locksHeld {
			if err := e.Locks.ReacquireOldestZoneIndexWrite(); err != nil {
				return false, err
			}

			if err := e.Locks.ReacquireZoneWrite(); err != nil {
				return false, err
			}

			locksHeld = true
		}

		lockErr := e.Buckets.TryLockWriteBucket(bucket)
		if lockErr == nil {
			return true, nil
		}

		if !errors.Is(lockErr, shmlock.ErrWouldBlock) {
			return false, lockErr
		}

		if err := e.Locks.ReleaseZoneWrite(); err != nil {
			return false, err
		}

		if err := e.Locks.ReleaseOldestZoneIndexWrite(); err != nil {
			return false, err
		}

		locksHeld = false

		return false, nil
	})

	if !locksHeld {
		if err := e.Locks.ReacquireOldestZoneIndexWrite(); err != nil {
			return err
		}

		if err := e.Locks.ReacquireZoneWrite(); err != nil {
			return err
		}
	}

	if pollErr != nil {
		return fmt.Errorf("index: evict could not acquire bucket %d lock within %s: %w", bucket, timeout, pollErr)
	}

	defer func() { _ = e.Buckets.ReleaseWriteBucket(bucket) }()

	return e.Index.Unlink(bucket, ref)
}
