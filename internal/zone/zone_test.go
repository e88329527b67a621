package zone

import (
	"bytes"
	"testing"

	"github.com/shmcache-io/shmcache/internal/layout"
)

// memRegion is a plain in-memory RegionIO, used so zone logic can be
// exercised without a real mmap'd file.
type memRegion struct {
	buf []byte
}

func newMemRegion(size int64) *memRegion {
	return &memRegion{buf: make([]byte, size)}
}

func (m *memRegion) Read(offset, length int64) ([]byte, error) {
	out := make([]byte, length)
	copy(out, m.buf[offset:offset+length])

	return out, nil
}

func (m *memRegion) Write(offset int64, data []byte) error {
	copy(m.buf[offset:], data)

	return nil
}

func testLayout(t *testing.T) layout.Layout {
	t.Helper()

	l, err := layout.New(32 * (1 << 20))
	if err != nil {
		t.Fatalf("layout.New: %v", err)
	}

	return l
}

func key(s string) []byte {
	k := make([]byte, layout.MaxKeyLength)
	copy(k, s)

	return k
}

func Test_InitZone_Is_One_Free_Chunk(t *testing.T) {
	t.Parallel()

	l := testLayout(t)
	r := newMemRegion(l.RegionSize)

	if err := InitZone(r, l, 0); err != nil {
		t.Fatalf("InitZone: %v", err)
	}

	used, err := UsedSpace(r, l, 0)
	if err != nil {
		t.Fatalf("UsedSpace: %v", err)
	}

	if used != 0 {
		t.Fatalf("used_space = %d, want 0", used)
	}

	m, err := ReadMeta(r, l, refInZone(l, 0, 0))
	if err != nil {
		t.Fatalf("ReadMeta: %v", err)
	}

	if m.Live() {
		t.Fatal("fresh zone's first chunk should not be live")
	}

	if m.ValAllocSize != layout.MaxChunkSize-layout.ChunkMetaSize {
		t.Fatalf("ValAllocSize = %d, want %d", m.ValAllocSize, layout.MaxChunkSize-layout.ChunkMetaSize)
	}
}

func Test_Alloc_Then_ReadBack_Roundtrips(t *testing.T) {
	t.Parallel()

	l := testLayout(t)
	r := newMemRegion(l.RegionSize)

	if err := InitZone(r, l, 0); err != nil {
		t.Fatalf("InitZone: %v", err)
	}

	payload := []byte("hello world")

	ref, err := Alloc(r, l, 0, key("foo"), int64(len(payload)), 0, payload)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	m, err := ReadMeta(r, l, ref)
	if err != nil {
		t.Fatalf("ReadMeta: %v", err)
	}

	if !m.Live() {
		t.Fatal("allocated chunk should be live")
	}

	if string(m.KeyBytes()) != "foo" {
		t.Fatalf("KeyBytes = %q, want foo", m.KeyBytes())
	}

	got, err := ReadPayload(r, l, ref, m.ValSize)
	if err != nil {
		t.Fatalf("ReadPayload: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadPayload = %q, want %q", got, payload)
	}
}

func Test_Alloc_Splits_Remaining_Slack_Into_Free_Chunk(t *testing.T) {
	t.Parallel()

	l := testLayout(t)
	r := newMemRegion(l.RegionSize)

	if err := InitZone(r, l, 0); err != nil {
		t.Fatalf("InitZone: %v", err)
	}

	payload := make([]byte, 1024)

	ref, err := Alloc(r, l, 0, key("foo"), int64(len(payload)), 0, payload)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	m, err := ReadMeta(r, l, ref)
	if err != nil {
		t.Fatalf("ReadMeta: %v", err)
	}

	used, err := UsedSpace(r, l, 0)
	if err != nil {
		t.Fatalf("UsedSpace: %v", err)
	}

	if used != m.TotalSize() {
		t.Fatalf("used_space = %d, want %d", used, m.TotalSize())
	}

	// The slack left in the zone should now be a single free chunk.
	freeRef := refInZone(l, 0, used)

	free, err := ReadMeta(r, l, freeRef)
	if err != nil {
		t.Fatalf("ReadMeta(free): %v", err)
	}

	if free.Live() {
		t.Fatal("remainder after split should not be live")
	}

	wantFreeAlloc := layout.MaxChunkSize - layout.ChunkMetaSize - m.TotalSize()
	if free.ValAllocSize != wantFreeAlloc {
		t.Fatalf("free.ValAllocSize = %d, want %d", free.ValAllocSize, wantFreeAlloc)
	}
}

func Test_Alloc_Fails_When_Value_Exceeds_Zone_Capacity(t *testing.T) {
	t.Parallel()

	l := testLayout(t)
	r := newMemRegion(l.RegionSize)

	if err := InitZone(r, l, 0); err != nil {
		t.Fatalf("InitZone: %v", err)
	}

	huge := make([]byte, layout.MaxValueSize+1)

	if _, err := Alloc(r, l, 0, key("foo"), int64(len(huge)), 0, huge); err == nil {
		t.Fatal("Alloc: want error for oversize value, got nil")
	}
}

func Test_Free_At_Stack_Top_Retracts_Used_Space(t *testing.T) {
	t.Parallel()

	l := testLayout(t)
	r := newMemRegion(l.RegionSize)

	if err := InitZone(r, l, 0); err != nil {
		t.Fatalf("InitZone: %v", err)
	}

	ref, err := Alloc(r, l, 0, key("foo"), 4, 0, []byte("abcd"))
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := Free(r, l, 0, ref); err != nil {
		t.Fatalf("Free: %v", err)
	}

	used, err := UsedSpace(r, l, 0)
	if err != nil {
		t.Fatalf("UsedSpace: %v", err)
	}

	if used != 0 {
		t.Fatalf("used_space after freeing the only chunk = %d, want 0", used)
	}
}

func Test_RemoveAllChunksInZone_Unlinks_Live_Chunks_And_Resets_Zone(t *testing.T) {
	t.Parallel()

	l := testLayout(t)
	r := newMemRegion(l.RegionSize)

	if err := InitZone(r, l, 0); err != nil {
		t.Fatalf("InitZone: %v", err)
	}

	if _, err := Alloc(r, l, 0, key("a"), 1, 0, []byte("x")); err != nil {
		t.Fatalf("Alloc a: %v", err)
	}

	if _, err := Alloc(r, l, 0, key("b"), 1, 0, []byte("y")); err != nil {
		t.Fatalf("Alloc b: %v", err)
	}

	var unlinked [][]byte

	unlinker := unlinkerFunc(func(ref Ref) error {
		m, err := ReadMeta(r, l, ref)
		if err != nil {
			return err
		}

		unlinked = append(unlinked, m.KeyBytes())

		return nil
	})

	if err := RemoveAllChunksInZone(r, l, 0, unlinker); err != nil {
		t.Fatalf("RemoveAllChunksInZone: %v", err)
	}

	if len(unlinked) != 2 {
		t.Fatalf("unlinked %d chunks, want 2", len(unlinked))
	}

	used, err := UsedSpace(r, l, 0)
	if err != nil {
		t.Fatalf("UsedSpace: %v", err)
	}

	if used != 0 {
		t.Fatalf("used_space after eviction = %d, want 0", used)
	}
}

type unlinkerFunc func(ref Ref) error

func (f unlinkerFunc) UnlinkChunk(ref Ref) error { return f(ref) }
