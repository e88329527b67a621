// Metamorphic tests checking invariants that must hold regardless of the
// exact operation sequence applied:
//   - round-trip: a key not since evicted or overwritten reads back exactly
//     what was last set
//   - delete is idempotent: a second delete of the same key fails with
//     ErrNotFound and does not disturb any other key
//   - get and exists agree on presence
package shmcache_test

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/shmcache-io/shmcache/pkg/shmcache"
)

// referenceModel tracks the last value set per key, independent of the
// region's actual eviction/allocation mechanics; it is a ground truth for
// "what was last written", not for "what an evicting cache still holds".
type referenceModel map[string][]byte

func Test_Metamorphic_Get_Matches_Last_Set_For_Unevicted_Keys(t *testing.T) {
	t.Parallel()

	c := mustCreate(t, newOpts(t, shmcache.MinRegionSize))

	rng := rand.New(rand.NewSource(42))
	model := referenceModel{}

	const rounds = 200

	const liveKeySpace = 8 // small key space kept well within one zone's worth of chunks, so nothing is evicted

	for i := 0; i < rounds; i++ {
		key := fmt.Sprintf("k%d", rng.Intn(liveKeySpace))
		value := make([]byte, 1+rng.Intn(64))
		rng.Read(value)

		require.NoError(t, c.Set([]byte(key), value, 0))

		model[key] = value
	}

	for key, want := range model {
		got, err := c.Get([]byte(key))
		require.NoError(t, err)

		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("Get(%s) mismatch (-want +got):\n%s", key, diff)
		}
	}
}

func Test_Metamorphic_Delete_Is_Idempotent_And_Key_Local(t *testing.T) {
	t.Parallel()

	c := mustCreate(t, newOpts(t, shmcache.MinRegionSize))

	require.NoError(t, c.Set([]byte("a"), []byte("1"), 0))
	require.NoError(t, c.Set([]byte("b"), []byte("2"), 0))

	require.NoError(t, c.Delete([]byte("a")))

	err := c.Delete([]byte("a"))
	require.True(t, errors.Is(err, shmcache.ErrNotFound))

	got, err := c.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), got)
}

func Test_Metamorphic_Exists_Agrees_With_Get(t *testing.T) {
	t.Parallel()

	c := mustCreate(t, newOpts(t, shmcache.MinRegionSize))

	require.NoError(t, c.Set([]byte("present"), []byte("v"), 0))

	exists, err := c.Exists([]byte("present"))
	require.NoError(t, err)
	require.True(t, exists)

	_, getErr := c.Get([]byte("present"))
	require.NoError(t, getErr)

	exists, err = c.Exists([]byte("absent"))
	require.NoError(t, err)
	require.False(t, exists)

	_, getErr = c.Get([]byte("absent"))
	require.True(t, errors.Is(getErr, shmcache.ErrNotFound))
}
