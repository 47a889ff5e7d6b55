package bplus

import (
	diskmanager "LineDB/storage_engine/disk_manager"
	"LineDB/storage_engine/fileio"
	"LineDB/types"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

/*
Maintenance operations. All of them take the write lock for their whole duration.

  - Balance rebuilds the tree bottom-up in place: every node page is freed, then
    leaves are refilled evenly and the internal levels rebuilt over them. Page
    ids are reused from the freelist so the file does not grow.
  - BulkLoad builds an empty tree from sorted pairs the same way.
  - Compact rebuilds into a fresh file with no free pages and swaps it in.
  - VerifyIntegrity flushes, then reads every reachable page straight from the
    page store and checks checksums, key order, separator bounds, depth and the
    leaf chain. Findings are reported as CorruptionError, never repaired.
*/

// Balance rebuilds the tree with evenly filled nodes.
func (t *BPlusTree) Balance() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return types.ErrClosed
	}
	if t.meta.root == 0 {
		return nil
	}

	start := time.Now()
	kvs, nodes, err := t.collect()
	if err != nil {
		return fmt.Errorf("Balance: %w", err)
	}
	oldHeight := t.meta.height

	for _, n := range nodes {
		t.freeNode(n)
	}
	t.meta.root, t.meta.height, t.meta.count = 0, 0, 0

	if err := t.buildFromSorted(kvs); err != nil {
		return fmt.Errorf("Balance: %w", err)
	}
	if err := t.flushLocked(); err != nil {
		return fmt.Errorf("Balance: %w", err)
	}

	t.logger.Info("tree balanced",
		"keys", len(kvs), "height_before", oldHeight, "height_after", t.meta.height, "took", time.Since(start))
	return nil
}

// BulkLoad fills an empty tree from pairs sorted by strictly ascending key.
func (t *BPlusTree) BulkLoad(kvs []KV) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return types.ErrClosed
	}
	for i := range kvs {
		if err := t.checkEntry(kvs[i].Key, kvs[i].Value); err != nil {
			return fmt.Errorf("BulkLoad: %w", err)
		}
		if i > 0 && t.cmp(kvs[i-1].Key, kvs[i].Key) >= 0 {
			return fmt.Errorf("BulkLoad: keys not strictly ascending at %d (%q >= %q)", i, kvs[i-1].Key, kvs[i].Key)
		}
	}
	if t.meta.root != 0 {
		return fmt.Errorf("BulkLoad: tree %s is not empty", t.path)
	}
	if err := t.buildFromSorted(kvs); err != nil {
		return fmt.Errorf("BulkLoad: %w", err)
	}
	return t.flushLocked()
}

// Compact rewrites the tree into a fresh page file without free pages.
func (t *BPlusTree) Compact() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return types.ErrClosed
	}

	sizeBefore := t.store.Size()
	kvs, _, err := t.collect()
	if err != nil {
		return fmt.Errorf("Compact: %w", err)
	}

	tmpPath := t.path + ".compact"
	var dst diskmanager.PageStore
	if t.ownsFile {
		if err := diskmanager.Remove(tmpPath); err != nil {
			return fmt.Errorf("Compact: %w", err)
		}
		dm, err := diskmanager.Open(tmpPath)
		if err != nil {
			return fmt.Errorf("Compact: %w", err)
		}
		dst = dm
	} else {
		dst = diskmanager.NewMemStore(t.path)
	}

	fresh, err := OpenWithStore(dst, int(t.meta.order), t.opts)
	if err != nil {
		dst.Close()
		return fmt.Errorf("Compact: %w", err)
	}
	fresh.meta.appliedSeq = t.meta.appliedSeq
	if err := fresh.buildFromSorted(kvs); err != nil {
		fresh.Close()
		return fmt.Errorf("Compact: %w", err)
	}
	if err := fresh.Close(); err != nil {
		return fmt.Errorf("Compact: %w", err)
	}

	t.pool.Discard()
	if !t.ownsFile {
		t.store.Close()
		t.store = dst
		t.meta = fresh.meta
		t.metaDirty = false
		return nil
	}

	if err := t.store.Close(); err != nil {
		return fmt.Errorf("Compact: %w", err)
	}
	renameErr := fileio.CommitRename(tmpPath, t.path)

	// reopen whichever file now lives at path
	store, err := diskmanager.Open(t.path)
	if err != nil {
		t.closed = true
		return fmt.Errorf("Compact: failed to reopen %s: %w", t.path, err)
	}
	t.store = store
	if err := t.loadOrInitMeta(int(t.meta.order)); err != nil {
		return fmt.Errorf("Compact: %w", err)
	}
	if renameErr != nil {
		return fmt.Errorf("Compact: failed to swap files: %w", renameErr)
	}

	t.logger.Info("tree compacted",
		"keys", len(kvs),
		"before", humanize.Bytes(uint64(sizeBefore)),
		"after", humanize.Bytes(uint64(t.store.Size())))
	return nil
}

// collect gathers every pair in order and every reachable node.
func (t *BPlusTree) collect() ([]KV, []*Node, error) {
	if t.meta.root == 0 {
		return nil, nil, nil
	}
	kvs := make([]KV, 0, t.meta.count)
	var nodes []*Node

	level := []uint64{t.meta.root}
	for len(level) > 0 {
		var next []uint64
		for _, id := range level {
			n, err := t.fetchNode(id)
			if err != nil {
				return nil, nil, err
			}
			nodes = append(nodes, n)
			if n.isLeaf() {
				for i := range n.keys {
					kvs = append(kvs, KV{Key: n.keys[i], Value: n.values[i]})
				}
			} else {
				next = append(next, n.children...)
			}
		}
		level = next
	}
	return kvs, nodes, nil
}

// buildFromSorted builds leaves and internal levels bottom-up over an empty tree.
func (t *BPlusTree) buildFromSorted(kvs []KV) error {
	if len(kvs) == 0 {
		return nil
	}

	type built struct {
		id       uint64
		firstKey []byte
	}

	// leaves
	var level []built
	var prev *Node
	offset := 0
	for _, size := range evenChunks(len(kvs), t.maxKeys) {
		leaf, err := t.newNode(types.PageLeaf)
		if err != nil {
			return err
		}
		for _, kv := range kvs[offset : offset+size] {
			leaf.keys = append(leaf.keys, kv.Key)
			leaf.values = append(leaf.values, kv.Value)
		}
		offset += size
		if prev != nil {
			prev.next = leaf.pageID
		}
		prev = leaf
		level = append(level, built{id: leaf.pageID, firstKey: leaf.keys[0]})
	}
	height := uint64(1)

	// internal levels
	for len(level) > 1 {
		var parents []built
		offset := 0
		for _, size := range evenChunks(len(level), t.maxKeys+1) {
			group := level[offset : offset+size]
			offset += size
			node, err := t.newNode(types.PageInternal)
			if err != nil {
				return err
			}
			for i, child := range group {
				node.children = append(node.children, child.id)
				if i > 0 {
					node.keys = append(node.keys, child.firstKey)
				}
			}
			parents = append(parents, built{id: node.pageID, firstKey: group[0].firstKey})
		}
		level = parents
		height++
	}

	t.meta.root = level[0].id
	t.meta.height = height
	t.meta.count = uint64(len(kvs))
	t.metaDirty = true
	return nil
}

// evenChunks splits n items into the fewest groups of at most limit, sized as
// evenly as possible.
func evenChunks(n, limit int) []int {
	groups := (n + limit - 1) / limit
	sizes := make([]int, groups)
	base, extra := n/groups, n%groups
	for i := range sizes {
		sizes[i] = base
		if i < extra {
			sizes[i]++
		}
	}
	return sizes
}

// VerifyIntegrity checks every page reachable from the root.
func (t *BPlusTree) VerifyIntegrity() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return types.ErrClosed
	}
	if err := t.flushLocked(); err != nil {
		return fmt.Errorf("VerifyIntegrity: %w", err)
	}

	metaBuf, err := t.store.ReadPage(metaPageID)
	if err != nil {
		return fmt.Errorf("VerifyIntegrity: %w", err)
	}
	meta, err := decodeMeta(t.path, metaBuf)
	if err != nil {
		return err
	}
	if meta.root == 0 {
		if meta.count != 0 || meta.height != 0 {
			return types.NewCorruption(t.path, 0, "empty tree records count=%d height=%d", meta.count, meta.height)
		}
		return nil
	}

	v := verifier{t: t, meta: meta, seen: make(map[uint64]bool)}
	if err := v.walk(meta.root, 1, nil, nil); err != nil {
		return err
	}

	for i, leaf := range v.leaves {
		want := uint64(0)
		if i+1 < len(v.leaves) {
			want = v.leaves[i+1]
		}
		if v.next[i] != want {
			return types.NewCorruption(t.path, int64(leaf), "leaf links to %d, expected %d", v.next[i], want)
		}
	}
	if v.count != meta.count {
		return types.NewCorruption(t.path, 0, "meta records %d keys, leaves hold %d", meta.count, v.count)
	}
	return nil
}

type verifier struct {
	t      *BPlusTree
	meta   treeMeta
	seen   map[uint64]bool
	leaves []uint64
	next   []uint64
	count  uint64
}

// walk checks the subtree at id, whose keys must lie in [lo, hi).
func (v *verifier) walk(id uint64, depth uint64, lo, hi []byte) error {
	path := v.t.path
	if id == 0 || id >= v.meta.nextPageID {
		return types.NewCorruption(path, int64(id), "child pointer out of range (next page id %d)", v.meta.nextPageID)
	}
	if v.seen[id] {
		return types.NewCorruption(path, int64(id), "page reachable twice")
	}
	v.seen[id] = true
	if v.meta.free.Contains(uint32(id)) {
		return types.NewCorruption(path, int64(id), "reachable page is on the freelist")
	}

	buf, err := v.t.store.ReadPage(id)
	if err != nil {
		return fmt.Errorf("VerifyIntegrity: %w", err)
	}
	n, err := decodeNode(path, id, buf)
	if err != nil {
		return err
	}

	cmp := v.t.cmp
	for i, k := range n.keys {
		if i > 0 && cmp(n.keys[i-1], k) >= 0 {
			return types.NewCorruption(path, int64(id), "keys out of order at %d: %q >= %q", i, n.keys[i-1], k)
		}
		if lo != nil && cmp(k, lo) < 0 {
			return types.NewCorruption(path, int64(id), "key %q below separator %q", k, lo)
		}
		if hi != nil && cmp(k, hi) >= 0 {
			return types.NewCorruption(path, int64(id), "key %q not below separator %q", k, hi)
		}
	}

	if n.isLeaf() {
		if depth != v.meta.height {
			return types.NewCorruption(path, int64(id), "leaf at depth %d, tree height %d", depth, v.meta.height)
		}
		v.leaves = append(v.leaves, id)
		v.next = append(v.next, n.next)
		v.count += uint64(len(n.keys))
		return nil
	}

	if len(n.children) != len(n.keys)+1 || len(n.keys) == 0 {
		return types.NewCorruption(path, int64(id), "internal node has %d keys and %d children", len(n.keys), len(n.children))
	}
	for i, child := range n.children {
		clo, chi := lo, hi
		if i > 0 {
			clo = n.keys[i-1]
		}
		if i < len(n.keys) {
			chi = n.keys[i]
		}
		if err := v.walk(child, depth+1, clo, chi); err != nil {
			return err
		}
	}
	return nil
}
