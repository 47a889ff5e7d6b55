package bplus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func version(v []byte) uint64 { return binary.BigEndian.Uint64(v) }

// Readers run Get and Scan while one writer overwrites, deletes and reinserts
// keys through a node cache far smaller than the tree. Every Get must see at
// least the version the writer finished before the Get started.
func TestReadersDuringWritesWithEvictingCache(t *testing.T) {
	for _, tc := range []struct{ order, cache int }{{4, 1}, {8, 16}, {32, 8}} {
		t.Run(fmt.Sprintf("order=%d/cache=%d", tc.order, tc.cache), func(t *testing.T) {
			const keys = 3000
			const writes = 12000
			tree, _ := newMemTreeWithCache(t, tc.order, tc.cache)

			// even keys are only ever overwritten, odd keys also deleted and reinserted
			published := make([]atomic.Uint64, keys)
			present := make([]bool, keys)
			for i := 0; i < keys; i++ {
				require.NoError(t, tree.Insert(intKey(i), intKey(1)))
				published[i].Store(1)
				present[i] = true
			}

			var done atomic.Bool
			var stale, missing atomic.Int64
			var wg sync.WaitGroup
			for r := 0; r < 4; r++ {
				wg.Add(1)
				go func(seed int64) {
					defer wg.Done()
					rng := rand.New(rand.NewSource(seed))
					for !done.Load() {
						i := rng.Intn(keys/2) * 2
						want := published[i].Load()
						v, ok, err := tree.Get(intKey(i))
						if !assert.NoError(t, err) {
							return
						}
						switch {
						case !ok:
							missing.Add(1)
						case version(v) < want:
							stale.Add(1)
						}

						if rng.Intn(50) == 0 {
							var prev []byte
							err := tree.Scan(intKey(rng.Intn(keys)), nil, func(k, _ []byte) bool {
								if prev != nil && bytes.Compare(prev, k) >= 0 {
									stale.Add(1)
								}
								prev = append(prev[:0], k...)
								return true
							})
							assert.NoError(t, err)
						}
					}
				}(int64(r))
			}

			rng := rand.New(rand.NewSource(int64(tc.order)))
			for w := 0; w < writes; w++ {
				i := rng.Intn(keys)
				next := published[i].Load() + 1
				if i%2 == 1 && present[i] && rng.Intn(3) == 0 {
					ok, err := tree.Delete(intKey(i))
					require.NoError(t, err)
					require.True(t, ok)
					present[i] = false
					continue
				}
				require.NoError(t, tree.Insert(intKey(i), intKey(int(next))))
				published[i].Store(next)
				present[i] = true
			}
			done.Store(true)
			wg.Wait()

			assert.Zero(t, stale.Load(), "reads returned an older version than the last finished write")
			assert.Zero(t, missing.Load(), "reads lost a key that was never deleted")

			live := 0
			for i := 0; i < keys; i++ {
				v, ok, err := tree.Get(intKey(i))
				require.NoError(t, err)
				require.Equal(t, present[i], ok, "key %d", i)
				if ok {
					live++
					assert.Equal(t, published[i].Load(), version(v), "key %d", i)
				}
			}
			assert.Equal(t, live, tree.Len())
			require.NoError(t, tree.VerifyIntegrity())
		})
	}
}

// Compact reloads the meta page and with it the entry budget Insert checks
// against, so both must run under the tree lock.
func TestInsertDuringCompact(t *testing.T) {
	tree, err := Open(filepath.Join(t.TempDir(), "pages.idx"), 8, Options{CacheSize: 16})
	require.NoError(t, err)
	defer tree.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for c := 0; c < 5; c++ {
			assert.NoError(t, tree.Compact())
		}
	}()
	for i := 0; i < 2000; i++ {
		require.NoError(t, tree.Insert(intKey(i), intKey(i)))
	}
	wg.Wait()

	assert.Equal(t, 2000, tree.Len())
	require.NoError(t, tree.VerifyIntegrity())
}
