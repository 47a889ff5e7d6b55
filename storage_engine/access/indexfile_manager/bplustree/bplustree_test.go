package bplus

import (
	diskmanager "LineDB/storage_engine/disk_manager"
	"LineDB/storage_engine/page"
	"LineDB/types"
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intKey(i int) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(i))
	return b[:]
}

func newMemTree(t *testing.T, order int) (*BPlusTree, *diskmanager.MemStore) {
	t.Helper()
	return newMemTreeWithCache(t, order, 0)
}

// newMemTreeWithCache opens a tree whose node cache holds cacheSize nodes
// (0 picks the default), so small values force constant eviction.
func newMemTreeWithCache(t *testing.T, order, cacheSize int) (*BPlusTree, *diskmanager.MemStore) {
	t.Helper()
	store := diskmanager.NewMemStore("mem.idx")
	tree, err := OpenWithStore(store, order, Options{CacheSize: cacheSize})
	require.NoError(t, err)
	t.Cleanup(func() { tree.Close() })
	return tree, store
}

func TestSequentialInsertRangeOrder4(t *testing.T) {
	tree, _ := newMemTree(t, 4)

	for i := 0; i < 10000; i++ {
		require.NoError(t, tree.Insert(intKey(i), intKey(i)))
	}

	kvs, err := tree.Range(intKey(0), intKey(10000))
	require.NoError(t, err)
	require.Len(t, kvs, 10000)
	for i, kv := range kvs {
		assert.Equal(t, intKey(i), kv.Key)
		assert.Equal(t, intKey(i), kv.Value)
	}

	assert.Equal(t, 10000, tree.Len())
	assert.Greater(t, tree.Height(), 5)
	require.NoError(t, tree.VerifyIntegrity())
}

func TestRandomInsertDeleteKeepsOrder(t *testing.T) {
	for _, tc := range []struct{ order, cache int }{
		{3, 0}, {4, 0}, {7, 0}, {32, 0},
		{4, 1}, {7, 2}, {32, 1},
	} {
		order := tc.order
		t.Run(fmt.Sprintf("order=%d/cache=%d", order, tc.cache), func(t *testing.T) {
			tree, _ := newMemTreeWithCache(t, order, tc.cache)
			rng := rand.New(rand.NewSource(int64(order)))
			ref := make(map[string]string)

			for op := 0; op < 6000; op++ {
				k := fmt.Sprintf("site.page%04d.title", rng.Intn(1500))
				if rng.Intn(3) == 0 {
					_, had := ref[k]
					deleted, err := tree.Delete([]byte(k))
					require.NoError(t, err)
					assert.Equal(t, had, deleted)
					delete(ref, k)
					continue
				}
				v := fmt.Sprintf("v%d", op)
				require.NoError(t, tree.Insert([]byte(k), []byte(v)))
				ref[k] = v
			}

			want := make([]string, 0, len(ref))
			for k := range ref {
				want = append(want, k)
			}
			sort.Strings(want)

			keys, err := tree.Keys()
			require.NoError(t, err)
			require.Len(t, keys, len(want))
			for i := range keys {
				if i > 0 {
					require.Equal(t, -1, bytes.Compare(keys[i-1], keys[i]), "keys must be strictly ascending")
				}
				assert.Equal(t, want[i], string(keys[i]))
			}
			for _, k := range want[:10] {
				v, ok, err := tree.Get([]byte(k))
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, ref[k], string(v))
			}
			assert.Equal(t, len(ref), tree.Len())
			require.NoError(t, tree.VerifyIntegrity())
		})
	}
}

func TestDeleteEverythingCollapsesRoot(t *testing.T) {
	tree, _ := newMemTree(t, 4)
	for i := 0; i < 500; i++ {
		require.NoError(t, tree.Insert(intKey(i), []byte("x")))
	}
	for i := 499; i >= 0; i-- {
		ok, err := tree.Delete(intKey(i))
		require.NoError(t, err)
		require.True(t, ok)
	}

	assert.Equal(t, 0, tree.Len())
	assert.Equal(t, 0, tree.Height())
	ok, err := tree.Delete(intKey(1))
	require.NoError(t, err)
	assert.False(t, ok)

	kvs, err := tree.Range(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, kvs)
	require.NoError(t, tree.VerifyIntegrity())
	assert.Positive(t, tree.FreePages())

	// freed pages are reused
	require.NoError(t, tree.Insert(intKey(7), []byte("again")))
	v, ok, err := tree.Get(intKey(7))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "again", string(v))
}

func TestRangeBounds(t *testing.T) {
	tree, _ := newMemTree(t, 5)
	for i := 0; i < 100; i += 2 {
		require.NoError(t, tree.Insert(intKey(i), intKey(i)))
	}

	kvs, err := tree.Range(intKey(10), intKey(20))
	require.NoError(t, err)
	require.Len(t, kvs, 5) // 10 12 14 16 18, end excluded
	assert.Equal(t, intKey(10), kvs[0].Key)
	assert.Equal(t, intKey(18), kvs[4].Key)

	kvs, err = tree.Range(intKey(11), intKey(13))
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	assert.Equal(t, intKey(12), kvs[0].Key)

	kvs, err = tree.Range(nil, intKey(4))
	require.NoError(t, err)
	assert.Len(t, kvs, 2)

	kvs, err = tree.Range(intKey(96), nil)
	require.NoError(t, err)
	assert.Len(t, kvs, 2)

	kvs, err = tree.Range(intKey(20), intKey(10))
	require.NoError(t, err)
	assert.Empty(t, kvs)

	count := 0
	require.NoError(t, tree.Scan(nil, nil, func(_, _ []byte) bool {
		count++
		return count < 3
	}))
	assert.Equal(t, 3, count)
}

func TestUpsertDoesNotGrowCount(t *testing.T) {
	tree, _ := newMemTree(t, 4)
	require.NoError(t, tree.Insert([]byte("a"), []byte("1")))
	require.NoError(t, tree.Insert([]byte("a"), []byte("2")))
	assert.Equal(t, 1, tree.Len())
	v, _, err := tree.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(v))
}

func TestEntryBudget(t *testing.T) {
	tree, _ := newMemTree(t, 32)

	err := tree.Insert(bytes.Repeat([]byte("k"), 200), []byte("v"))
	assert.ErrorIs(t, err, types.ErrEntryTooLarge)

	err = tree.Insert(nil, []byte("v"))
	assert.ErrorIs(t, err, types.ErrInvalidKey)

	limit := tree.MaxEntrySize()
	require.NoError(t, tree.Insert(bytes.Repeat([]byte("k"), limit-12), make([]byte, 12)))
}

func TestNodeCodecRoundTrip(t *testing.T) {
	leaf := &Node{
		pageID:   9,
		nodeType: types.PageLeaf,
		keys:     [][]byte{[]byte("a.b"), []byte("a.c@de"), []byte("z")},
		values:   [][]byte{{1, 2, 3}, nil, []byte("row")},
		next:     12,
	}
	internal := &Node{
		pageID:   3,
		nodeType: types.PageInternal,
		keys:     [][]byte{[]byte("m"), []byte("t")},
		children: []uint64{4, 5, 6},
	}

	for _, n := range []*Node{leaf, internal} {
		buf, err := encodeNode(n)
		require.NoError(t, err)
		require.Len(t, buf, page.PageSize)

		decoded, err := decodeNode("test", n.pageID, buf)
		require.NoError(t, err)
		assert.Equal(t, n.nodeType, decoded.nodeType)
		assert.Equal(t, n.next, decoded.next)
		assert.Equal(t, n.children, decoded.children)
		assert.Equal(t, len(n.keys), len(decoded.keys))

		again, err := encodeNode(decoded)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(buf, again), "re-encoding must be bit for bit identical")
	}
}

func TestCorruptPageDetected(t *testing.T) {
	tree, store := newMemTree(t, 4)
	for i := 0; i < 200; i++ {
		require.NoError(t, tree.Insert(intKey(i), intKey(i)))
	}
	require.NoError(t, tree.Flush())
	root := tree.Meta().Root

	store.Corrupt(root, page.HeaderSize+3)

	err := tree.VerifyIntegrity()
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCorruption)
	var ce *types.CorruptionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(root), ce.Page)
}

func TestCorruptPageOnLoad(t *testing.T) {
	store := diskmanager.NewMemStore("mem.idx")
	tree, err := OpenWithStore(store, 4, Options{})
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, tree.Insert(intKey(i), intKey(i)))
	}
	root := tree.Meta().Root
	require.NoError(t, tree.Close())

	store.Corrupt(root, page.PageSize-1)

	reopened, err := OpenWithStore(store, 4, Options{})
	require.NoError(t, err)
	defer reopened.Close()

	_, _, err = reopened.Get(intKey(3))
	assert.ErrorIs(t, err, types.ErrCorruption)
}

func TestReopenFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.idx")

	tree, err := Open(path, 8, Options{})
	require.NoError(t, err)
	for i := 0; i < 1000; i++ {
		require.NoError(t, tree.Insert(intKey(i), []byte(fmt.Sprintf("row-%d", i))))
	}
	tree.SetAppliedSeq(77)
	require.NoError(t, tree.Close())
	require.NoError(t, tree.Close(), "second close is a no-op")

	tree, err = Open(path, 0, Options{})
	require.NoError(t, err)
	defer tree.Close()

	assert.Equal(t, 8, tree.Order(), "stored order wins")
	assert.Equal(t, 1000, tree.Len())
	assert.Equal(t, uint64(77), tree.AppliedSeq())

	v, ok, err := tree.Get(intKey(512))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "row-512", string(v))
	require.NoError(t, tree.VerifyIntegrity())
}

func TestBalanceAndCompact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.idx")
	tree, err := Open(path, 4, Options{})
	require.NoError(t, err)
	defer tree.Close()

	for i := 0; i < 3000; i++ {
		require.NoError(t, tree.Insert(intKey(i), intKey(i)))
	}
	for i := 0; i < 3000; i++ {
		if i%4 != 0 {
			_, err := tree.Delete(intKey(i))
			require.NoError(t, err)
		}
	}
	before, err := tree.Keys()
	require.NoError(t, err)
	require.Len(t, before, 750)
	assert.Positive(t, tree.FreePages())

	require.NoError(t, tree.Balance())
	require.NoError(t, tree.VerifyIntegrity())
	after, err := tree.Keys()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	tree.SetAppliedSeq(5)
	require.NoError(t, tree.Compact())
	assert.Equal(t, 0, tree.FreePages())
	assert.Equal(t, uint64(5), tree.AppliedSeq())
	require.NoError(t, tree.VerifyIntegrity())

	after, err = tree.Keys()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// still writable after the swap
	require.NoError(t, tree.Insert(intKey(1), []byte("back")))
	require.NoError(t, tree.VerifyIntegrity())
}

func TestBulkLoad(t *testing.T) {
	tree, _ := newMemTree(t, 6)

	kvs := make([]KV, 0, 777)
	for i := 0; i < 777; i++ {
		kvs = append(kvs, KV{Key: intKey(i), Value: []byte("v")})
	}
	require.NoError(t, tree.BulkLoad(kvs))
	assert.Equal(t, 777, tree.Len())
	require.NoError(t, tree.VerifyIntegrity())

	assert.Error(t, tree.BulkLoad(kvs), "tree is no longer empty")

	other, _ := newMemTree(t, 6)
	assert.Error(t, other.BulkLoad([]KV{{Key: []byte("b")}, {Key: []byte("a")}}))
}

func TestInspect(t *testing.T) {
	tree, _ := newMemTree(t, 4)
	var buf bytes.Buffer
	require.NoError(t, tree.InspectTo(&buf))
	assert.Contains(t, buf.String(), "empty")

	for i := 0; i < 20; i++ {
		require.NoError(t, tree.Insert(intKey(i), nil))
	}
	buf.Reset()
	require.NoError(t, tree.InspectTo(&buf))
	assert.Contains(t, buf.String(), "level 1")
	assert.Contains(t, buf.String(), "leaf")
}
