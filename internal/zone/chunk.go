// Package zone implements the zone ring buffer, intra-zone bump allocation,
// chunk split/merge, and zone-wide eviction. Every exported function here
// assumes the caller already holds whatever lock the fields it touches
// require (bucket lock for hash_next, zone lock for everything else); this
// package has no locking of its own.
package zone

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/shmcache-io/shmcache/internal/layout"
)

// RegionIO is the minimal byte-range read/write capability this package
// needs from a SharedRegion (pkg/shmregion.Region satisfies it). Keeping it
// as a narrow interface, rather than depending on shmregion directly, lets
// zone logic be tested against a plain in-memory buffer.
type RegionIO interface {
	Read(offset, length int64) ([]byte, error)
	Write(offset int64, data []byte) error
}

// Ref is a chunk's location, expressed as a byte offset within the zones
// area (i.e. relative to Layout.OffsetZones) — the same representation used
// for hash_next and bucket-table entries. RefNone (zero) means "no chunk"
// (empty bucket, end of chain).
type Ref int64

// RefNone is the sentinel "no chunk" reference: an empty bucket head or the
// end of a chain.
const RefNone Ref = 0

// ErrCorrupt is returned when a chunk's on-region fields violate an
// invariant badly enough that the caller cannot safely continue (e.g.
// hash_next pointing at the chunk's own offset).
var ErrCorrupt = errors.New("zone: region corrupt")

// Meta is a chunk's fixed-size metadata fields, decoded from the region.
// Payload bytes are fetched separately via ReadPayload since callers
// frequently need only the metadata (e.g. while walking a bucket chain).
type Meta struct {
	Key          []byte // exactly layout.MaxKeyLength bytes, NUL-padded
	HashNext     Ref
	ValAllocSize int64
	ValSize      int64
	Flags        byte
}

// Live reports whether the chunk is in use: a chunk is live iff its
// val_size is greater than zero.
func (m Meta) Live() bool { return m.ValSize > 0 }

// Serialized reports whether FlagSerialized is set.
func (m Meta) Serialized() bool { return m.Flags&layout.FlagSerialized != 0 }

// KeyBytes returns the key with trailing NUL padding stripped.
func (m Meta) KeyBytes() []byte {
	return bytes.TrimRight(m.Key, "\x00")
}

// TotalSize is CHUNK_META_SIZE + val_alloc_size, the number of bytes this
// chunk occupies in its zone. Summed over every chunk in a zone, this
// always equals MAX_CHUNK_SIZE.
func (m Meta) TotalSize() int64 {
	return int64(layout.ChunkMetaSize) + m.ValAllocSize
}

// absolute converts a zones-area-relative ref to an absolute region offset.
func absolute(l layout.Layout, ref Ref) int64 {
	return l.OffsetZones + int64(ref)
}

// ZoneOf returns the zone index that ref falls within.
func ZoneOf(l layout.Layout, ref Ref) int {
	return int(int64(ref) / layout.ZoneSize)
}

// ReadMeta decodes a chunk's metadata fields (not its payload) at ref.
func ReadMeta(r RegionIO, l layout.Layout, ref Ref) (Meta, error) {
	buf, err := r.Read(absolute(l, ref), int64(layout.ChunkMetaSize))
	if err != nil {
		return Meta{}, fmt.Errorf("zone: read chunk meta at %d: %w", ref, err)
	}

	return decodeMeta(buf), nil
}

func decodeMeta(buf []byte) Meta {
	key := make([]byte, layout.MaxKeyLength)
	copy(key, buf[layout.ChunkOffKey:layout.ChunkOffKey+layout.MaxKeyLength])

	return Meta{
		Key:          key,
		HashNext:     Ref(binary.LittleEndian.Uint64(buf[layout.ChunkOffHashNext:])),
		ValAllocSize: int64(binary.LittleEndian.Uint64(buf[layout.ChunkOffValAllocSize:])),
		ValSize:      int64(binary.LittleEndian.Uint64(buf[layout.ChunkOffValSize:])),
		Flags:        buf[layout.ChunkOffFlags],
	}
}

func encodeMeta(m Meta) []byte {
	buf := make([]byte, layout.ChunkMetaSize)

	key := make([]byte, layout.MaxKeyLength)
	copy(key, m.Key)
	copy(buf[layout.ChunkOffKey:], key)

	binary.LittleEndian.PutUint64(buf[layout.ChunkOffHashNext:], uint64(m.HashNext))
	binary.LittleEndian.PutUint64(buf[layout.ChunkOffValAllocSize:], uint64(m.ValAllocSize))
	binary.LittleEndian.PutUint64(buf[layout.ChunkOffValSize:], uint64(m.ValSize))
	buf[layout.ChunkOffFlags] = m.Flags

	return buf
}

// WriteMeta encodes and writes m's fields (not payload) at ref.
func WriteMeta(r RegionIO, l layout.Layout, ref Ref, m Meta) error {
	if m.HashNext != RefNone && m.HashNext == ref {
		return fmt.Errorf("%w: chunk at %d has hash_next pointing at itself", ErrCorrupt, ref)
	}

	if err := r.Write(absolute(l, ref), encodeMeta(m)); err != nil {
		return fmt.Errorf("zone: write chunk meta at %d: %w", ref, err)
	}

	return nil
}

// ReadHashNext reads only the hash_next field: the field a bucket lock
// (rather than a zone lock) protects, since it belongs to the hash chain.
func ReadHashNext(r RegionIO, l layout.Layout, ref Ref) (Ref, error) {
	buf, err := r.Read(absolute(l, ref)+layout.ChunkOffHashNext, layout.LongSize)
	if err != nil {
		return RefNone, fmt.Errorf("zone: read hash_next at %d: %w", ref, err)
	}

	return Ref(binary.LittleEndian.Uint64(buf)), nil
}

// WriteHashNext writes only the hash_next field.
func WriteHashNext(r RegionIO, l layout.Layout, ref Ref, next Ref) error {
	if next != RefNone && next == ref {
		return fmt.Errorf("%w: chunk at %d cannot link to itself", ErrCorrupt, ref)
	}

	buf := make([]byte, layout.LongSize)
	binary.LittleEndian.PutUint64(buf, uint64(next))

	if err := r.Write(absolute(l, ref)+layout.ChunkOffHashNext, buf); err != nil {
		return fmt.Errorf("zone: write hash_next at %d: %w", ref, err)
	}

	return nil
}

// ReadPayload reads n bytes of a chunk's payload.
func ReadPayload(r RegionIO, l layout.Layout, ref Ref, n int64) ([]byte, error) {
	buf, err := r.Read(absolute(l, ref)+int64(layout.ChunkOffPayload), n)
	if err != nil {
		return nil, fmt.Errorf("zone: read payload at %d: %w", ref, err)
	}

	return buf, nil
}

// WritePayload writes data into a chunk's payload area, starting at byte 0
// of the payload.
func WritePayload(r RegionIO, l layout.Layout, ref Ref, data []byte) error {
	if err := r.Write(absolute(l, ref)+int64(layout.ChunkOffPayload), data); err != nil {
		return fmt.Errorf("zone: write payload at %d: %w", ref, err)
	}

	return nil
}

// WriteFreeChunk writes a chunk header marking a free chunk of the given
// val_alloc_size at ref. Free chunks always have val_size=0, hash_next=0,
// and an empty key.
func WriteFreeChunk(r RegionIO, l layout.Layout, ref Ref, valAllocSize int64) error {
	return WriteMeta(r, l, ref, Meta{ValAllocSize: valAllocSize})
}
