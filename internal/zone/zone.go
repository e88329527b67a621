package zone

import (
	"encoding/binary"
	"fmt"

	"github.com/shmcache-io/shmcache/internal/layout"
)

// ErrZoneFull is returned by Alloc when a zone has no free chunk large
// enough for the requested allocation.
type ErrZoneFull struct {
	Zone int
}

func (e ErrZoneFull) Error() string {
	return fmt.Sprintf("zone %d: no free chunk large enough", e.Zone)
}

// UsedSpace reads zone i's used_space field — the bump allocator's stack
// pointer, counted in bytes from the start of the zone's chunks area.
func UsedSpace(r RegionIO, l layout.Layout, zoneIdx int) (int64, error) {
	buf, err := r.Read(l.OffsetZone(zoneIdx), layout.LongSize)
	if err != nil {
		return 0, fmt.Errorf("zone: read used_space for zone %d: %w", zoneIdx, err)
	}

	return int64(binary.LittleEndian.Uint64(buf)), nil
}

func writeUsedSpace(r RegionIO, l layout.Layout, zoneIdx int, used int64) error {
	buf := make([]byte, layout.LongSize)
	binary.LittleEndian.PutUint64(buf, uint64(used))

	if err := r.Write(l.OffsetZone(zoneIdx), buf); err != nil {
		return fmt.Errorf("zone: write used_space for zone %d: %w", zoneIdx, err)
	}

	return nil
}

// refInZone converts a zone-relative byte offset (from the start of the
// zone's chunks area) to a zones-area Ref.
func refInZone(l layout.Layout, zoneIdx int, zoneRelative int64) Ref {
	return Ref(int64(zoneIdx)*layout.ZoneSize + layout.LongSize + zoneRelative)
}

// InitZone writes a zone's initial state: used_space=0 and a single free
// chunk spanning the entire chunks area.
func InitZone(r RegionIO, l layout.Layout, zoneIdx int) error {
	if err := writeUsedSpace(r, l, zoneIdx, 0); err != nil {
		return err
	}

	return WriteFreeChunk(r, l, refInZone(l, zoneIdx, 0), layout.MaxChunkSize-layout.ChunkMetaSize)
}

// Alloc bump-allocates a chunk of at least valSize bytes of payload from
// zone zoneIdx, writing key/valSize/flags/payload into it. The caller must
// hold the zone's write lock. If the trailing slack after this allocation
// is at least MIN_CHUNK_SIZE, the remainder is immediately written back as
// a new free chunk; otherwise the entire free chunk is consumed (internal
// fragmentation).
//
// Returns the ref of the newly allocated chunk.
func Alloc(r RegionIO, l layout.Layout, zoneIdx int, key []byte, valSize int64, flags byte, payload []byte) (Ref, error) {
	used, err := UsedSpace(r, l, zoneIdx)
	if err != nil {
		return RefNone, err
	}

	// A full zone's stack pointer sits at the zone's end: there is no free
	// chunk header to read there.
	if used >= layout.MaxChunkSize {
		return RefNone, ErrZoneFull{Zone: zoneIdx}
	}

	freeRef := refInZone(l, zoneIdx, used)

	free, err := ReadMeta(r, l, freeRef)
	if err != nil {
		return RefNone, err
	}

	if free.Live() {
		return RefNone, fmt.Errorf("zone: corrupt zone %d: bump pointer does not point at a free chunk", zoneIdx)
	}

	totalFree := free.ValAllocSize + layout.ChunkMetaSize // total bytes this free chunk spans
	needed := int64(layout.ChunkMetaSize) + valSize

	if needed > totalFree {
		return RefNone, ErrZoneFull{Zone: zoneIdx}
	}

	slack := totalFree - needed

	// If the leftover is large enough to host a standalone free chunk
	// (its own CHUNK_META_SIZE plus MIN_VALUE_ALLOC_SIZE), split: this
	// allocation gets exactly valSize, and a new free chunk is written
	// for the remainder. Otherwise fold the whole slack into this
	// allocation's val_alloc_size (internal fragmentation) rather than
	// leave a chunk too small to ever be allocated from.
	allocValSize := valSize
	splitOffFreeValAlloc := int64(-1)

	if slack >= layout.MinChunkSize {
		splitOffFreeValAlloc = slack - layout.ChunkMetaSize
	} else {
		allocValSize = totalFree - layout.ChunkMetaSize
	}

	if err := WriteMeta(r, l, freeRef, Meta{
		Key:          key,
		HashNext:     RefNone,
		ValAllocSize: allocValSize,
		ValSize:      valSize,
		Flags:        flags,
	}); err != nil {
		return RefNone, err
	}

	if err := WritePayload(r, l, freeRef, payload); err != nil {
		return RefNone, err
	}

	newUsed := used + layout.ChunkMetaSize + allocValSize

	if splitOffFreeValAlloc >= 0 {
		if err := WriteFreeChunk(r, l, refInZone(l, zoneIdx, newUsed), splitOffFreeValAlloc); err != nil {
			return RefNone, err
		}
	}

	if err := writeUsedSpace(r, l, zoneIdx, newUsed); err != nil {
		return RefNone, err
	}

	return freeRef, nil
}

// Free marks the chunk at ref as free and, when it sits exactly at the
// zone's current used_space stack pointer (i.e. it is the most recently
// bump-allocated chunk and nothing past it is live), retracts used_space by
// the chunk's total size so the space becomes immediately reusable by the
// next Alloc. used_space only ever shrinks in this one case — when the
// freed chunk is the topmost one on the bump stack.
//
// When ref is not at the stack top, the chunk is marked free in place and
// MergeWithNextFree immediately coalesces it with a following free chunk,
// if there is one. This implementation does not maintain an explicit free list, so
// such interior free chunks are only reclaimed by RemoveAllChunksInZone
// during eviction: fragmentation within a zone is expected and resolved by
// evicting the whole zone, not by general-purpose reuse.
func Free(r RegionIO, l layout.Layout, zoneIdx int, ref Ref) error {
	m, err := ReadMeta(r, l, ref)
	if err != nil {
		return err
	}

	total := m.TotalSize()

	used, err := UsedSpace(r, l, zoneIdx)
	if err != nil {
		return err
	}

	zoneRelative := int64(ref) - int64(zoneIdx)*layout.ZoneSize - layout.LongSize

	if zoneRelative+total == used {
		// ref is the topmost chunk on the bump stack: retract used_space
		// to reclaim it, and size the new free chunk to span all the way
		// to the zone's end (the bump allocator's invariant is that the
		// chunk sitting exactly at used_space always spans to zone end).
		newFreeValAlloc := layout.MaxChunkSize - zoneRelative - int64(layout.ChunkMetaSize)

		if err := WriteFreeChunk(r, l, ref, newFreeValAlloc); err != nil {
			return err
		}

		return writeUsedSpace(r, l, zoneIdx, zoneRelative)
	}

	// Interior free chunk: mark it free in place and try to coalesce with
	// whatever follows it, in case that is also free.
	if err := WriteFreeChunk(r, l, ref, m.ValAllocSize); err != nil {
		return err
	}

	return MergeWithNextFree(r, l, zoneIdx, ref)
}

// MergeWithNextFree coalesces the free chunk at ref with its immediate
// successor in the zone, if that successor exists, is also free, and lies
// entirely within the zone's chunks area. It is a no-op (returns nil) if
// there is no room for a successor or the successor is live.
func MergeWithNextFree(r RegionIO, l layout.Layout, zoneIdx int, ref Ref) error {
	m, err := ReadMeta(r, l, ref)
	if err != nil {
		return err
	}

	zoneRelative := int64(ref) - int64(zoneIdx)*layout.ZoneSize - layout.LongSize
	nextRelative := zoneRelative + m.TotalSize()

	if nextRelative >= layout.MaxChunkSize {
		return nil // no room for a successor chunk
	}

	nextRef := refInZone(l, zoneIdx, nextRelative)

	next, err := ReadMeta(r, l, nextRef)
	if err != nil {
		return err
	}

	if next.Live() {
		return nil
	}

	merged := m.ValAllocSize + next.TotalSize()

	return WriteFreeChunk(r, l, ref, merged)
}

// BucketUnlinker removes ref from whatever bucket chain references it,
// under the caller's own bucket-locking discipline. internal/index
// implements this; it is injected here (rather than imported) to keep
// internal/zone free of a dependency on the hash index, which sits above
// the allocator.
type BucketUnlinker interface {
	UnlinkChunk(ref Ref) error
}

// RemoveAllChunksInZone evicts every live chunk in zone zoneIdx by
// unlinking it from its bucket chain, then reinitializes the zone as one
// large free chunk. The caller must already hold the zone's write lock and
// the oldest_zone_index write lock; per-chunk bucket unlinking is done
// through unlinker, which is responsible for the try-lock-with-rollback
// protocol the zone→bucket lock inversion this requires.
func RemoveAllChunksInZone(r RegionIO, l layout.Layout, zoneIdx int, unlinker BucketUnlinker) error {
	used, err := UsedSpace(r, l, zoneIdx)
	if err != nil {
		return err
	}

	var pos int64
	for pos < used {
		ref := refInZone(l, zoneIdx, pos)

		m, err := ReadMeta(r, l, ref)
		if err != nil {
			return err
		}

		if m.Live() {
			if err := unlinker.UnlinkChunk(ref); err != nil {
				return fmt.Errorf("zone: evict zone %d: unlink chunk at %d: %w", zoneIdx, ref, err)
			}
		}

		pos += m.TotalSize()
	}

	return InitZone(r, l, zoneIdx)
}
