package bplus

import (
	"LineDB/logger"
	"LineDB/storage_engine/bufferpool"
	diskmanager "LineDB/storage_engine/disk_manager"
	"LineDB/storage_engine/page"
	"LineDB/types"
	"bytes"
	"fmt"

	"github.com/RoaringBitmap/roaring"
)

const defaultCacheSize = 1024

// Open opens or creates the tree stored in the page file at path.
// order 0 selects DefaultOrder; an existing file keeps the order it was created with.
func Open(path string, order int, opts Options) (*BPlusTree, error) {
	store, err := diskmanager.Open(path)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	t, err := OpenWithStore(store, order, opts)
	if err != nil {
		store.Close()
		return nil, err
	}
	t.ownsFile = true
	return t, nil
}

// OpenWithStore builds a tree over an already opened page store. The tree takes
// ownership of the store and closes it on Close.
func OpenWithStore(store diskmanager.PageStore, order int, opts Options) (*BPlusTree, error) {
	if order == 0 {
		order = DefaultOrder
	}
	if order < MinOrder || order > MaxOrder {
		return nil, fmt.Errorf("OpenWithStore: order %d outside [%d, %d]", order, MinOrder, MaxOrder)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}

	t := &BPlusTree{
		path:      store.Path(),
		store:     store,
		opts:      opts,
		cacheSize: opts.CacheSize,
		cmp:       bytes.Compare,
		logger:    logger.Component(opts.Logger, "btree").With("file", store.Path()),
	}

	pool, err := bufferpool.NewBufferPool[*Node](opts.CacheSize, t.loadNode, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("OpenWithStore: %w", err)
	}
	t.pool = pool

	if err := t.loadOrInitMeta(order); err != nil {
		pool.Close()
		return nil, err
	}

	t.logger.Debug("tree opened",
		"order", t.meta.order, "height", t.meta.height, "count", t.meta.count, "applied_seq", t.meta.appliedSeq)
	return t, nil
}

func (t *BPlusTree) loadOrInitMeta(order int) error {
	var buf []byte
	if t.store.NumPages() > 0 {
		b, err := t.store.ReadPage(metaPageID)
		if err != nil {
			return fmt.Errorf("OpenWithStore: failed to read meta page: %w", err)
		}
		buf = b
	}

	if buf == nil || page.IsZero(buf) {
		t.meta = treeMeta{
			order:      uint64(order),
			nextPageID: 1,
			free:       roaring.New(),
		}
		t.setOrder(order)
		t.metaDirty = true
		return t.flushLocked()
	}

	m, err := decodeMeta(t.path, buf)
	if err != nil {
		return fmt.Errorf("OpenWithStore: %w", err)
	}
	if int(m.order) != order {
		t.logger.Warn("stored order differs from requested, keeping stored", "stored", m.order, "requested", order)
	}
	t.meta = m
	t.setOrder(int(m.order))
	return nil
}

func (t *BPlusTree) setOrder(order int) {
	t.maxKeys = order - 1
	t.minKeys = t.maxKeys / 2
	// a full node must always fit one page
	t.maxEntry = (bodySize - 8) / t.maxKeys
	t.flushAt = t.cacheSize / 4
	if t.flushAt < 64 {
		t.flushAt = 64
	}
}

// loadNode is the buffer pool loader: read, verify, decode.
func (t *BPlusTree) loadNode(pageID uint64) (*Node, error) {
	if pageID == metaPageID {
		return nil, fmt.Errorf("loadNode: page 0 is the meta page")
	}
	buf, err := t.store.ReadPage(pageID)
	if err != nil {
		return nil, err
	}
	return decodeNode(t.path, pageID, buf)
}

// fetchNode returns the current version of a node, dirty or clean.
func (t *BPlusTree) fetchNode(pageID uint64) (*Node, error) {
	if pageID == 0 {
		return nil, fmt.Errorf("fetchNode: invalid node ID 0")
	}
	n, err := t.pool.Get(pageID)
	if err != nil {
		return nil, fmt.Errorf("fetchNode: %w", err)
	}
	return n, nil
}

func (t *BPlusTree) markDirty(n *Node) {
	t.pool.MarkDirty(n.pageID, n)
}

// Flush writes every dirty node and the meta page as one journaled batch.
func (t *BPlusTree) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return types.ErrClosed
	}
	return t.flushLocked()
}

func (t *BPlusTree) flushLocked() error {
	if t.pool.DirtyCount() == 0 {
		if !t.metaDirty {
			return nil
		}
		metaBuf, err := encodeMeta(&t.meta)
		if err != nil {
			return err
		}
		if err := t.store.WriteBatch(map[uint64][]byte{metaPageID: metaBuf}); err != nil {
			return fmt.Errorf("Flush: %w", err)
		}
		t.metaDirty = false
		return nil
	}

	err := t.pool.Flush(func(dirty map[uint64]*Node) error {
		batch := make(map[uint64][]byte, len(dirty)+1)
		for id, n := range dirty {
			buf, err := encodeNode(n)
			if err != nil {
				return err
			}
			batch[id] = buf
		}
		metaBuf, err := encodeMeta(&t.meta)
		if err != nil {
			return err
		}
		batch[metaPageID] = metaBuf
		return t.store.WriteBatch(batch)
	})
	if err != nil {
		return fmt.Errorf("Flush: %w", err)
	}
	t.metaDirty = false
	return nil
}

// maybeFlush bounds the dirty set between explicit flushes.
func (t *BPlusTree) maybeFlush() error {
	if t.pool.DirtyCount() < t.flushAt {
		return nil
	}
	return t.flushLocked()
}

// Close flushes and releases the page file. Closing twice is a no-op.
func (t *BPlusTree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	flushErr := t.flushLocked()
	t.pool.Close()
	closeErr := t.store.Close()
	if flushErr != nil {
		return fmt.Errorf("Close: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("Close: %w", closeErr)
	}
	return nil
}

// Len returns the number of keys.
func (t *BPlusTree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int(t.meta.count)
}

// Height is 0 for an empty tree and 1 for a single leaf.
func (t *BPlusTree) Height() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int(t.meta.height)
}

func (t *BPlusTree) Order() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int(t.meta.order)
}

func (t *BPlusTree) Path() string { return t.path }

// AppliedSeq is the last WAL sequence reflected in the tree, as recorded by the owner.
func (t *BPlusTree) AppliedSeq() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.meta.appliedSeq
}

// SetAppliedSeq records seq in the meta page on the next flush.
func (t *BPlusTree) SetAppliedSeq(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.meta.appliedSeq != seq {
		t.meta.appliedSeq = seq
		t.metaDirty = true
	}
}

// FreePages returns the number of pages on the freelist.
func (t *BPlusTree) FreePages() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int(t.meta.free.GetCardinality())
}

// LivePages returns the number of node pages reachable from the root.
func (t *BPlusTree) LivePages() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := int(t.meta.nextPageID) - 1 - int(t.meta.free.GetCardinality())
	return max(n, 0)
}

// SizeOnDisk returns the page file size in bytes.
func (t *BPlusTree) SizeOnDisk() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.store.Size()
}

// CacheStats returns the node cache statistics.
func (t *BPlusTree) CacheStats() bufferpool.BufferPoolStats {
	return t.pool.GetStats()
}
