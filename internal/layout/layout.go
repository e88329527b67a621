// Package layout computes the fixed sub-region offsets and chunk field
// offsets for a shared-memory cache region. It is a pure, side-effect-free
// mapping from a region size to byte offsets — no I/O, no locking.
package layout

import (
	"errors"
	"fmt"
	"time"
)

// Fixed-width primitive used throughout the on-region format: a
// little-endian uint64, chosen uniformly so the format does not depend on
// the host's native `long` width and is identical across 32- and 64-bit
// attaching processes.
const LongSize = 8

// Compile-time layout constants.
const (
	BucketCount       = 512
	ZoneSize          = 1 << 20 // 1 MiB
	MaxKeyLength      = 200
	MinValueAllocSize = 128

	// CHUNK_META_SIZE = MAX_KEY_LENGTH + 3*sizeof(long) + 1
	ChunkMetaSize = MaxKeyLength + 3*LongSize + 1

	// MIN_CHUNK_SIZE = CHUNK_META_SIZE + MIN_VALUE_ALLOC_SIZE
	MinChunkSize = ChunkMetaSize + MinValueAllocSize

	// MAX_CHUNK_SIZE = ZONE_SIZE - sizeof(used_space)
	MaxChunkSize = ZoneSize - LongSize

	// MAX_VALUE_SIZE = MAX_CHUNK_SIZE - CHUNK_META_SIZE
	MaxValueSize = MaxChunkSize - ChunkMetaSize

	TryLockTimeout = 3 * time.Second
)

// Safe-gap and fixed-area sizes for the region header.
const (
	MetaAreaSize  = 1024
	SafeGapSize   = 1024
	StatsAreaSize = 1024

	// MinRegionSize is the smallest region New will accept: enough for
	// the fixed header areas plus at least one full zone.
	MinRegionSize = 16 * (1 << 20)
)

// ErrRegionTooSmall is returned by New when regionSize is below
// MinRegionSize, or too small to fit even a single zone after the fixed
// header areas.
var ErrRegionTooSmall = errors.New("layout: region size too small")

// Within-chunk field offsets, relative to the chunk's own start offset
// within the zones area.
const (
	ChunkOffKey          = 0
	ChunkOffHashNext      = MaxKeyLength
	ChunkOffValAllocSize  = ChunkOffHashNext + LongSize
	ChunkOffValSize       = ChunkOffValAllocSize + LongSize
	ChunkOffFlags         = ChunkOffValSize + LongSize
	ChunkOffPayload       = ChunkOffFlags + 1 // == ChunkMetaSize
)

// FlagSerialized is bit 0 of a chunk's flags byte.
const FlagSerialized = 1 << 0

// Layout is the set of offsets and sizes derived from one region size.
// All offsets are absolute byte offsets from the start of the region.
type Layout struct {
	RegionSize int64

	OffsetMeta            int64 // oldest_zone_index: long
	OffsetStats           int64 // get_hits: long, get_misses: long
	OffsetBucketTable      int64 // BucketCount entries of sizeof(long)
	OffsetZones            int64 // start of the zones area

	BucketTableSize int64
	ZoneCount       int
}

// New computes the RegionLayout for a region of regionSize bytes.
func New(regionSize int64) (Layout, error) {
	if regionSize < MinRegionSize {
		return Layout{}, fmt.Errorf("%w: %d < %d", ErrRegionTooSmall, regionSize, MinRegionSize)
	}

	offsetMeta := int64(0)
	offsetStats := offsetMeta + MetaAreaSize + SafeGapSize
	offsetBucketTable := offsetStats + StatsAreaSize + SafeGapSize
	bucketTableSize := int64(BucketCount) * LongSize
	offsetZones := offsetBucketTable + bucketTableSize + SafeGapSize

	remaining := regionSize - offsetZones
	if remaining < ZoneSize {
		return Layout{}, fmt.Errorf("%w: no room for a single zone after fixed header (region %d bytes)",
			ErrRegionTooSmall, regionSize)
	}

	zoneCount := int(remaining / ZoneSize)

	return Layout{
		RegionSize:        regionSize,
		OffsetMeta:        offsetMeta,
		OffsetStats:       offsetStats,
		OffsetBucketTable: offsetBucketTable,
		OffsetZones:       offsetZones,
		BucketTableSize:   bucketTableSize,
		ZoneCount:         zoneCount,
	}, nil
}

// OffsetOldestZoneIndex is the absolute offset of the oldest_zone_index
// field within the meta area.
func (l Layout) OffsetOldestZoneIndex() int64 { return l.OffsetMeta }

// OffsetGetHits is the absolute offset of the get_hits counter.
func (l Layout) OffsetGetHits() int64 { return l.OffsetStats }

// OffsetGetMisses is the absolute offset of the get_misses counter.
func (l Layout) OffsetGetMisses() int64 { return l.OffsetStats + LongSize }

// OffsetBucketHead returns the absolute offset of bucket i's head chunk
// offset field in the bucket table.
func (l Layout) OffsetBucketHead(i int) int64 {
	return l.OffsetBucketTable + int64(i)*LongSize
}

// OffsetZone returns the absolute offset of zone i's start (its
// used_space header).
func (l Layout) OffsetZone(i int) int64 {
	return l.OffsetZones + int64(i)*ZoneSize
}

// OffsetZoneChunksArea returns the absolute offset where zone i's chunks
// area begins (immediately after its used_space header).
func (l Layout) OffsetZoneChunksArea(i int) int64 {
	return l.OffsetZone(i) + LongSize
}

// NewestZoneIndex returns the newest zone index given the current
// oldest_zone_index: newest = (oldest-1) mod ZoneCount.
func (l Layout) NewestZoneIndex(oldestZoneIndex int) int {
	return mod(oldestZoneIndex-1, l.ZoneCount)
}

// NextZoneIndex returns (i+1) mod ZoneCount, the zone that becomes the new
// oldest after an eviction.
func (l Layout) NextZoneIndex(i int) int {
	return mod(i+1, l.ZoneCount)
}

func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}

	return m
}
