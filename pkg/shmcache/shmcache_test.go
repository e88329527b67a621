package shmcache_test

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shmcache-io/shmcache/pkg/shmcache"
)

func newOpts(t *testing.T, regionSize int64) shmcache.Options {
	t.Helper()

	return shmcache.Options{
		Dir:        t.TempDir(),
		Name:       "region",
		RegionSize: regionSize,
	}
}

func mustCreate(t *testing.T, opts shmcache.Options) *shmcache.Cache {
	t.Helper()

	c, err := shmcache.Create(opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	t.Cleanup(func() { _ = c.Close() })

	return c
}

func Test_Create_Rejects_Missing_Name(t *testing.T) {
	t.Parallel()

	_, err := shmcache.Create(shmcache.Options{Dir: t.TempDir(), RegionSize: shmcache.MinRegionSize})
	if err == nil {
		t.Fatal("Create with empty Name: want error, got nil")
	}
}

func Test_OpenOrCreate_Creates_Then_Attaches(t *testing.T) {
	t.Parallel()

	opts := newOpts(t, shmcache.MinRegionSize)

	c1, err := shmcache.OpenOrCreate(opts)
	if err != nil {
		t.Fatalf("OpenOrCreate (create path): %v", err)
	}
	defer func() { _ = c1.Close() }()

	if err := c1.Set([]byte("k"), []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	c2, err := shmcache.OpenOrCreate(opts)
	if err != nil {
		t.Fatalf("OpenOrCreate (attach path): %v", err)
	}
	defer func() { _ = c2.Close() }()

	got, err := c2.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get via second attachment: %v", err)
	}

	if !bytes.Equal(got, []byte("v")) {
		t.Fatalf("Get via second attachment = %q, want %q", got, "v")
	}
}

// Scenario 1: round-trip.
func Test_RoundTrip_Set_Then_Get(t *testing.T) {
	t.Parallel()

	c := mustCreate(t, newOpts(t, shmcache.MinRegionSize))

	if err := c.Set([]byte("foo"), []byte("bar"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := c.Get([]byte("foo"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if !bytes.Equal(got, []byte("bar")) {
		t.Fatalf("Get = %q, want %q", got, "bar")
	}

	ok, err := c.Exists([]byte("foo"))
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v, want true, nil", ok, err)
	}

	if _, err := c.Get([]byte("missing")); !errors.Is(err, shmcache.ErrNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}
}

// Scenario 2: in-place replace reuses the same chunk — observable because
// the item count does not change and the value shrinks without a second
// zone ever being touched (one zone's used_space is all that is consumed).
func Test_Set_Smaller_Value_Replaces_In_Place(t *testing.T) {
	t.Parallel()

	c := mustCreate(t, newOpts(t, shmcache.MinRegionSize))

	if err := c.Set([]byte("k"), bytes.Repeat([]byte("A"), 6), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	before, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if err := c.Set([]byte("k"), []byte("BB"), 0); err != nil {
		t.Fatalf("Set (shrink): %v", err)
	}

	got, err := c.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if !bytes.Equal(got, []byte("BB")) {
		t.Fatalf("Get = %q, want %q", got, "BB")
	}

	after, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if after.Items != before.Items {
		t.Fatalf("Items changed across an in-place replace: before=%d after=%d", before.Items, after.Items)
	}
}

// Scenario 3: oversize rejection removes the prior entry for the same key.
func Test_Set_Oversize_Value_Removes_Existing_Entry(t *testing.T) {
	t.Parallel()

	c := mustCreate(t, newOpts(t, shmcache.MinRegionSize))

	if err := c.Set([]byte("k"), []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	oversize := make([]byte, shmcache.MaxValueSize+1)

	err := c.Set([]byte("k"), oversize, 0)
	if !errors.Is(err, shmcache.ErrValueTooLarge) {
		t.Fatalf("Set(oversize) = %v, want ErrValueTooLarge", err)
	}

	if _, err := c.Get([]byte("k")); !errors.Is(err, shmcache.ErrNotFound) {
		t.Fatalf("Get after oversize rejection = %v, want ErrNotFound", err)
	}
}

// Scenario 4: zone eviction under pressure. A 16 MiB region holds exactly
// 15 zones; a MaxValueSize value fills one zone per key, so the 15
// newest of 100 sequential keys survive and the oldest is evicted.
func Test_Zone_Eviction_Keeps_Newest_Keys_Under_Pressure(t *testing.T) {
	t.Parallel()

	c := mustCreate(t, newOpts(t, shmcache.MinRegionSize))

	value := make([]byte, shmcache.MaxValueSize)

	for i := 0; i < 100; i++ {
		if err := c.Set([]byte(fmt.Sprintf("foo%d", i)), value, 0); err != nil {
			t.Fatalf("Set(foo%d): %v", i, err)
		}
	}

	for i := 85; i < 100; i++ {
		if _, err := c.Get([]byte(fmt.Sprintf("foo%d", i))); err != nil {
			t.Fatalf("Get(foo%d) after eviction: %v", i, err)
		}
	}

	if _, err := c.Get([]byte("foo0")); !errors.Is(err, shmcache.ErrNotFound) {
		t.Fatalf("Get(foo0) = %v, want ErrNotFound (evicted)", err)
	}
}

// Scenario 5: FIFO eviction across mixed value sizes — the most recently
// written keys remain retrievable regardless of how many older keys were
// evicted ahead of them.
func Test_FIFO_Eviction_Retains_Most_Recent_Keys_With_Mixed_Sizes(t *testing.T) {
	t.Parallel()

	c := mustCreate(t, newOpts(t, shmcache.MinRegionSize))

	rng := rand.New(rand.NewSource(1))

	const totalKeys = 5000

	const retainTail = 15

	keys := make([][]byte, totalKeys)
	values := make([][]byte, totalKeys)

	for i := 0; i < totalKeys; i++ {
		keys[i] = []byte(fmt.Sprintf("key%d", i))
		values[i] = make([]byte, 1+rng.Intn(4096))
		rng.Read(values[i])

		if err := c.Set(keys[i], values[i], 0); err != nil {
			t.Fatalf("Set(%s): %v", keys[i], err)
		}
	}

	for i := totalKeys - retainTail; i < totalKeys; i++ {
		got, err := c.Get(keys[i])
		if err != nil {
			t.Fatalf("Get(%s): %v", keys[i], err)
		}

		if !bytes.Equal(got, values[i]) {
			t.Fatalf("Get(%s) returned wrong bytes", keys[i])
		}
	}
}

// Scenario 6: parallel disjoint-key writes from independent attachments
// (standing in for independent processes) never deadlock, and the region's
// structural invariants hold afterwards (checked with Verify).
func Test_Parallel_Disjoint_Key_Writes_Never_Deadlock(t *testing.T) {
	t.Parallel()

	opts := newOpts(t, shmcache.MinRegionSize)

	primary := mustCreate(t, opts)

	const workers = 4

	const keysPerWorker = 100

	attachments := make([]*shmcache.Cache, workers)

	for w := 0; w < workers; w++ {
		a, err := shmcache.Open(opts)
		if err != nil {
			t.Fatalf("Open attachment %d: %v", w, err)
		}

		defer func() { _ = a.Close() }()

		attachments[w] = a
	}

	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		w := w

		wg.Add(1)

		go func() {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(w) + 1))

			for i := 0; i < keysPerWorker; i++ {
				key := []byte(fmt.Sprintf("w%d-k%d", w, i))
				value := make([]byte, 1+rng.Intn(768*1024))
				rng.Read(value)

				if err := attachments[w].Set(key, value, 0); err != nil {
					t.Errorf("worker %d Set(%s): %v", w, key, err)
					return
				}
			}
		}()
	}

	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("parallel disjoint-key writes did not complete: suspected deadlock")
	}

	if err := primary.Verify(); err != nil {
		t.Fatalf("Verify after parallel writes: %v", err)
	}
}

// Scenario 7: parallel same-key contention — after every writer finishes,
// the key holds exactly one of the values that was written.
func Test_Parallel_Same_Key_Contention_Leaves_One_Consistent_Value(t *testing.T) {
	t.Parallel()

	opts := newOpts(t, shmcache.MinRegionSize)

	primary := mustCreate(t, opts)

	const workers = 4

	const writesPerWorker = 100

	attachments := make([]*shmcache.Cache, workers)

	for w := 0; w < workers; w++ {
		a, err := shmcache.Open(opts)
		if err != nil {
			t.Fatalf("Open attachment %d: %v", w, err)
		}

		defer func() { _ = a.Close() }()

		attachments[w] = a
	}

	candidates := make(map[string][]byte)

	var mu sync.Mutex

	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		w := w

		wg.Add(1)

		go func() {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(w) + 100))

			for i := 0; i < writesPerWorker; i++ {
				value := []byte(fmt.Sprintf("w%d-v%d-%d", w, i, rng.Int63()))

				if err := attachments[w].Set([]byte("identicalkey"), value, 0); err != nil {
					t.Errorf("worker %d Set: %v", w, err)
					return
				}

				mu.Lock()
				candidates[string(value)] = value
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	got, err := primary.Get([]byte("identicalkey"))
	if err != nil {
		t.Fatalf("Get(identicalkey): %v", err)
	}

	if _, ok := candidates[string(got)]; !ok {
		t.Fatalf("Get(identicalkey) = %q, not one of the written values", got)
	}
}

// Scenario 8: increment/decrement semantics, including NotNumeric and
// saturating-at-0 decrement.
func Test_Increment_Decrement_Semantics(t *testing.T) {
	t.Parallel()

	c := mustCreate(t, newOpts(t, shmcache.MinRegionSize))

	n, err := c.Increment([]byte("n"), 1)
	if err != nil || n != 1 {
		t.Fatalf("Increment(n,1) = %d, %v, want 1, nil", n, err)
	}

	n, err = c.Increment([]byte("n"), 2)
	if err != nil || n != 3 {
		t.Fatalf("Increment(n,2) = %d, %v, want 3, nil", n, err)
	}

	if err := c.Set([]byte("n"), []byte("xyz"), 0); err != nil {
		t.Fatalf("Set(n,xyz): %v", err)
	}

	if _, err := c.Increment([]byte("n"), 1); !errors.Is(err, shmcache.ErrNotNumeric) {
		t.Fatalf("Increment after Set(xyz) = %v, want ErrNotNumeric", err)
	}

	if err := c.Delete([]byte("n")); err != nil {
		t.Fatalf("Delete(n): %v", err)
	}

	if err := c.Delete([]byte("n")); !errors.Is(err, shmcache.ErrNotFound) {
		t.Fatalf("second Delete(n) = %v, want ErrNotFound", err)
	}

	n, err = c.Increment([]byte("n"), 3)
	if err != nil || n != 3 {
		t.Fatalf("Increment(n,3) after delete = %d, %v, want 3, nil", n, err)
	}

	n, err = c.Decrement([]byte("n"), 5)
	if err != nil || n != 0 {
		t.Fatalf("Decrement(n,5) = %d, %v, want 0 (saturating), nil", n, err)
	}

	n, err = c.Decrement([]byte("n"), 1)
	if err != nil || n != 0 {
		t.Fatalf("Decrement(n,1) on zero = %d, %v, want 0 (still saturating), nil", n, err)
	}
}

// Idempotence: a second delete of the same key fails with ErrNotFound and
// leaves the region otherwise unchanged.
func Test_Delete_Twice_Second_Call_Returns_NotFound(t *testing.T) {
	t.Parallel()

	c := mustCreate(t, newOpts(t, shmcache.MinRegionSize))

	if err := c.Set([]byte("k"), []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := c.Delete([]byte("k")); err != nil {
		t.Fatalf("first Delete: %v", err)
	}

	if err := c.Delete([]byte("k")); !errors.Is(err, shmcache.ErrNotFound) {
		t.Fatalf("second Delete = %v, want ErrNotFound", err)
	}
}

// Add/Replace honor existence preconditions.
func Test_Add_Fails_When_Key_Exists_Replace_Fails_When_Absent(t *testing.T) {
	t.Parallel()

	c := mustCreate(t, newOpts(t, shmcache.MinRegionSize))

	if err := c.Add([]byte("k"), []byte("v1"), 0); err != nil {
		t.Fatalf("Add (fresh key): %v", err)
	}

	if err := c.Add([]byte("k"), []byte("v2"), 0); !errors.Is(err, shmcache.ErrAlreadyExists) {
		t.Fatalf("Add (existing key) = %v, want ErrAlreadyExists", err)
	}

	if err := c.Replace([]byte("missing"), []byte("v"), 0); !errors.Is(err, shmcache.ErrNotFound) {
		t.Fatalf("Replace (absent key) = %v, want ErrNotFound", err)
	}

	if err := c.Replace([]byte("k"), []byte("v3"), 0); err != nil {
		t.Fatalf("Replace (existing key): %v", err)
	}

	got, err := c.Get([]byte("k"))
	if err != nil || !bytes.Equal(got, []byte("v3")) {
		t.Fatalf("Get after Replace = %q, %v, want %q, nil", got, err, "v3")
	}
}

// After flush, every prior key reports absent and stats.items resets to
// zero, but cumulative hit/miss counters are left alone.
func Test_Flush_Clears_Items_But_Not_Counters(t *testing.T) {
	t.Parallel()

	c := mustCreate(t, newOpts(t, shmcache.MinRegionSize))

	if err := c.Set([]byte("a"), []byte("1"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, err := c.Get([]byte("a")); err != nil {
		t.Fatalf("Get: %v", err)
	}

	if _, err := c.Get([]byte("missing")); !errors.Is(err, shmcache.ErrNotFound) {
		t.Fatalf("Get(missing): %v", err)
	}

	before, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if _, err := c.Get([]byte("a")); !errors.Is(err, shmcache.ErrNotFound) {
		t.Fatalf("Get(a) after Flush = %v, want ErrNotFound", err)
	}

	after, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if after.Items != 0 {
		t.Fatalf("Items after Flush = %d, want 0", after.Items)
	}

	if after.Hits != before.Hits || after.Misses != before.Misses {
		t.Fatalf("Flush must not reset counters: before=%+v after=%+v", before, after)
	}
}

func Test_Stats_Reports_Structural_Facts(t *testing.T) {
	t.Parallel()

	c := mustCreate(t, newOpts(t, shmcache.MinRegionSize))

	if err := c.Set([]byte("a"), []byte("1"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	snap, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if snap.BucketCount == 0 || snap.ZoneCount == 0 {
		t.Fatalf("Stats returned zero structural counts: %+v", snap)
	}

	if snap.Items != 1 {
		t.Fatalf("Items = %d, want 1", snap.Items)
	}
}

func Test_Verify_Reports_No_Corruption_On_Healthy_Region(t *testing.T) {
	t.Parallel()

	c := mustCreate(t, newOpts(t, shmcache.MinRegionSize))

	for i := 0; i < 50; i++ {
		if err := c.Set([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i)), 0); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	if err := c.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func Test_Destroy_Removes_Backing_Region(t *testing.T) {
	t.Parallel()

	opts := newOpts(t, shmcache.MinRegionSize)

	c, err := shmcache.Create(opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := c.Set([]byte("k"), []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := c.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if _, err := shmcache.Open(opts); err == nil {
		t.Fatal("Open after Destroy: want error, got nil")
	}
}
