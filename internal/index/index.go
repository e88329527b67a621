// Package index implements the hash index: CRC32 key hashing into a fixed
// bucket table, and separate-chaining bucket maintenance (append-at-tail
// linking, predecessor-walk unlinking) over the chunks internal/zone
// manages.
package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/shmcache-io/shmcache/internal/layout"
	"github.com/shmcache-io/shmcache/internal/zone"
)

// HashKey hashes key with plain IEEE CRC32 (not Castagnoli), chosen
// deliberately so any implementation attaching the same region, in any
// language, computes an identical bucket assignment from the same bytes.
func HashKey(key []byte) uint32 {
	return crc32.ChecksumIEEE(key)
}

// BucketFor returns the bucket index key hashes into.
func BucketFor(key []byte) int {
	return int(HashKey(key) % layout.BucketCount)
}

// Index reads and mutates the bucket table and chunk hash_next chains. It
// takes no bucket locks itself — every method assumes the caller already
// holds the correct bucket lock. Lookup takes per-chunk zone read locks
// through the ZoneReadLocker it is given.
type Index struct {
	region zone.RegionIO
	layout layout.Layout
}

// New returns an Index operating over region using l's offsets.
func New(region zone.RegionIO, l layout.Layout) *Index {
	return &Index{region: region, layout: l}
}

// ReadBucketHead returns the ref of the first chunk in bucket's chain, or
// RefNone if the bucket is empty.
func (x *Index) ReadBucketHead(bucket int) (zone.Ref, error) {
	buf, err := x.region.Read(x.layout.OffsetBucketHead(bucket), layout.LongSize)
	if err != nil {
		return zone.RefNone, fmt.Errorf("index: read bucket %d head: %w", bucket, err)
	}

	return zone.Ref(binary.LittleEndian.Uint64(buf)), nil
}

// WriteBucketHead sets bucket's chain head to ref.
func (x *Index) WriteBucketHead(bucket int, ref zone.Ref) error {
	buf := make([]byte, layout.LongSize)
	binary.LittleEndian.PutUint64(buf, uint64(ref))

	if err := x.region.Write(x.layout.OffsetBucketHead(bucket), buf); err != nil {
		return fmt.Errorf("index: write bucket %d head: %w", bucket, err)
	}

	return nil
}

// ZoneReadLocker is the subset of a lock manager Lookup needs: a per-zone
// read lock to safely inspect a chunk's key and metadata while walking a
// bucket chain. Each chunk's zone lock is held only for the duration of
// that one chunk's read, never across the whole walk, so Lookup never
// holds more than one zone lock at a time.
type ZoneReadLocker interface {
	LockZoneRead(zoneIdx int) error
	ReleaseZoneRead(zoneIdx int) error
}

// Lookup walks bucket's chain looking for a chunk whose key matches key.
// The caller must already hold bucket's lock (read is sufficient — Lookup
// itself never mutates the chain).
func (x *Index) Lookup(locker ZoneReadLocker, bucket int, key []byte) (zone.Ref, zone.Meta, bool, error) {
	ref, err := x.ReadBucketHead(bucket)
	if err != nil {
		return zone.RefNone, zone.Meta{}, false, err
	}

	for ref != zone.RefNone {
		zi := zone.ZoneOf(x.layout, ref)

		if err := locker.LockZoneRead(zi); err != nil {
			return zone.RefNone, zone.Meta{}, false, fmt.Errorf("index: lock zone %d for lookup: %w", zi, err)
		}

		m, readErr := zone.ReadMeta(x.region, x.layout, ref)

		if unlockErr := locker.ReleaseZoneRead(zi); unlockErr != nil && readErr == nil {
			readErr = unlockErr
		}

		if readErr != nil {
			return zone.RefNone, zone.Meta{}, false, readErr
		}

		if bytes.Equal(m.KeyBytes(), key) {
			return ref, m, true, nil
		}

		ref = m.HashNext
	}

	return zone.RefNone, zone.Meta{}, false, nil
}

// Append links ref onto the tail of bucket's chain. The caller must hold
// bucket's write lock. Walking to the tail only reads hash_next fields,
// which the bucket lock alone protects, so no zone lock is needed here.
func (x *Index) Append(bucket int, ref zone.Ref) error {
	head, err := x.ReadBucketHead(bucket)
	if err != nil {
		return err
	}

	if head == zone.RefNone {
		return x.WriteBucketHead(bucket, ref)
	}

	cur := head

	for {
		next, err := zone.ReadHashNext(x.region, x.layout, cur)
		if err != nil {
			return err
		}

		if next == zone.RefNone {
			break
		}

		cur = next
	}

	return zone.WriteHashNext(x.region, x.layout, cur, ref)
}

// Unlink removes ref from bucket's chain. The caller must hold bucket's
// write lock. Returns an error if ref is not found in the chain.
func (x *Index) Unlink(bucket int, ref zone.Ref) error {
	head, err := x.ReadBucketHead(bucket)
	if err != nil {
		return err
	}

	if head == ref {
		next, err := zone.ReadHashNext(x.region, x.layout, ref)
		if err != nil {
			return err
		}

		return x.WriteBucketHead(bucket, next)
	}

	cur := head

	for cur != zone.RefNone {
		next, err := zone.ReadHashNext(x.region, x.layout, cur)
		if err != nil {
			return err
		}

		if next == ref {
			after, err := zone.ReadHashNext(x.region, x.layout, ref)
			if err != nil {
				return err
			}

			return zone.WriteHashNext(x.region, x.layout, cur, after)
		}

		cur = next
	}

	return fmt.Errorf("index: ref %d not found in bucket %d chain", ref, bucket)
}
