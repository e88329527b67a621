// Package stats implements the engine's get_hits/get_misses counters and
// the getStats() aggregation, including the richer zone_count,
// live_zone_count, and bucket_count fields layered on top of the base
// counters.
package stats

import (
	"encoding/binary"
	"fmt"

	"github.com/shmcache-io/shmcache/internal/layout"
)

// RegionIO is the byte-range capability this package needs.
type RegionIO interface {
	Read(offset, length int64) ([]byte, error)
	Write(offset int64, data []byte) error
}

// Counters is a snapshot of the region's persistent counters.
type Counters struct {
	Hits   uint64
	Misses uint64
}

// Read returns the current hits/misses counters. The caller must hold at
// least a read lock on the stats tag.
func Read(r RegionIO, l layout.Layout) (Counters, error) {
	hitsBuf, err := r.Read(l.OffsetGetHits(), layout.LongSize)
	if err != nil {
		return Counters{}, fmt.Errorf("stats: read get_hits: %w", err)
	}

	missesBuf, err := r.Read(l.OffsetGetMisses(), layout.LongSize)
	if err != nil {
		return Counters{}, fmt.Errorf("stats: read get_misses: %w", err)
	}

	return Counters{
		Hits:   binary.LittleEndian.Uint64(hitsBuf),
		Misses: binary.LittleEndian.Uint64(missesBuf),
	}, nil
}

// Write overwrites both counters. The caller must hold the stats tag's
// write lock.
func Write(r RegionIO, l layout.Layout, c Counters) error {
	buf := make([]byte, layout.LongSize)

	binary.LittleEndian.PutUint64(buf, c.Hits)
	if err := r.Write(l.OffsetGetHits(), buf); err != nil {
		return fmt.Errorf("stats: write get_hits: %w", err)
	}

	binary.LittleEndian.PutUint64(buf, c.Misses)
	if err := r.Write(l.OffsetGetMisses(), buf); err != nil {
		return fmt.Errorf("stats: write get_misses: %w", err)
	}

	return nil
}

// AddHit adds delta to get_hits. The caller must hold the stats tag's write
// lock.
func AddHit(r RegionIO, l layout.Layout, delta uint64) error {
	c, err := Read(r, l)
	if err != nil {
		return err
	}

	c.Hits += delta

	return Write(r, l, c)
}

// AddMiss adds delta to get_misses. Same locking requirement as AddHit.
func AddMiss(r RegionIO, l layout.Layout, delta uint64) error {
	c, err := Read(r, l)
	if err != nil {
		return err
	}

	c.Misses += delta

	return Write(r, l, c)
}

// Snapshot is the full getStats() result: the persistent counters plus
// structural facts about the region that are cheap to compute on demand
// rather than maintain as additional persistent fields.
type Snapshot struct {
	Items           int
	UsedValueBytes  int64
	Hits            uint64
	Misses          uint64
	OldestZoneIndex int
	ZoneCount       int
	LiveZoneCount   int
	BucketCount     int
}

// ZoneStats reports one zone's live-chunk count, total live value bytes,
// and used_space, used by Aggregate to build the full snapshot.
// internal/engine supplies an implementation that walks each zone's chunk
// chain under that zone's read lock.
type ZoneStats interface {
	ZoneStats(zoneIdx int) (items int, usedValueBytes int64, usedSpace int64, err error)
}

// Aggregate builds a full Snapshot. The caller must hold whatever locks are
// required to safely read the counters and walk zone usage (the engine's
// Stats holds the "everything" read lock and the stats read lock, reads
// oldest_zone_index beforehand under its own read lock, and its ZoneStats
// takes each zone's read lock).
func Aggregate(r RegionIO, l layout.Layout, oldestZoneIndex int, usage ZoneStats) (Snapshot, error) {
	c, err := Read(r, l)
	if err != nil {
		return Snapshot{}, err
	}

	var (
		items          int
		usedValueBytes int64
		liveZones      int
	)

	for i := 0; i < l.ZoneCount; i++ {
		zoneItems, zoneUsedValue, _, err := usage.ZoneStats(i)
		if err != nil {
			return Snapshot{}, fmt.Errorf("stats: zone %d usage: %w", i, err)
		}

		items += zoneItems
		usedValueBytes += zoneUsedValue

		if zoneItems > 0 {
			liveZones++
		}
	}

	return Snapshot{
		Items:           items,
		UsedValueBytes:  usedValueBytes,
		Hits:            c.Hits,
		Misses:          c.Misses,
		OldestZoneIndex: oldestZoneIndex,
		ZoneCount:       l.ZoneCount,
		LiveZoneCount:   liveZones,
		BucketCount:     layout.BucketCount,
	}, nil
}
