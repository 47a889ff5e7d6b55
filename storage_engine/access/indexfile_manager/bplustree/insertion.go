package bplus

import (
	"LineDB/types"
	"fmt"
)

// Insert stores value under key, replacing any previous value.
func (t *BPlusTree) Insert(key []byte, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return types.ErrClosed
	}
	// maxEntry follows the order, which Compact may reload
	if err := t.checkEntry(key, value); err != nil {
		return err
	}

	key = append([]byte(nil), key...)
	value = append([]byte(nil), value...)

	// If tree is empty
	if t.meta.root == 0 {
		root, err := t.newNode(types.PageLeaf)
		if err != nil {
			return fmt.Errorf("Insert: failed to allocate root: %w", err)
		}
		root.keys = append(root.keys, key)
		root.values = append(root.values, value)
		t.markDirty(root)
		t.meta.root = root.pageID
		t.meta.height = 1
		t.meta.count = 1
		t.metaDirty = true
		return t.maybeFlush()
	}

	path, leaf, err := t.findLeaf(key)
	if err != nil {
		return fmt.Errorf("Insert: failed to find leaf: %w", err)
	}

	pos := lowerBound(leaf.keys, key, t.cmp)
	if pos < len(leaf.keys) && t.cmp(leaf.keys[pos], key) == 0 {
		// Key exists, update value in place.
		leaf.values[pos] = value
		t.markDirty(leaf)
		return t.maybeFlush()
	}

	leaf.keys = insert(leaf.keys, pos, key)
	leaf.values = insert(leaf.values, pos, value)
	t.markDirty(leaf)
	t.meta.count++
	t.metaDirty = true

	// Split if overflow.
	if len(leaf.keys) > t.maxKeys {
		if err := t.splitLeaf(path, leaf); err != nil {
			return fmt.Errorf("Insert: %w", err)
		}
	}
	return t.maybeFlush()
}

// checkEntry rejects keys and values that would not let a full node fit a page.
func (t *BPlusTree) checkEntry(key, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("Insert: %w: empty key", types.ErrInvalidKey)
	}
	if n := leafEntryOverhead + len(key) + len(value); n > t.maxEntry {
		return fmt.Errorf("Insert: entry of %d bytes exceeds %d: %w", n, t.maxEntry, types.ErrEntryTooLarge)
	}
	if n := internalEntryOverhead + len(key); n > t.maxEntry {
		return fmt.Errorf("Insert: key of %d bytes exceeds %d: %w", len(key), t.maxEntry-internalEntryOverhead, types.ErrEntryTooLarge)
	}
	return nil
}

// MaxEntrySize is the largest key+value byte length Insert accepts.
func (t *BPlusTree) MaxEntrySize() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxEntry - leafEntryOverhead
}

// MaxKeySize returns the longest key a tree of the given order accepts when
// every value is valueSize bytes.
func MaxKeySize(order, valueSize int) int {
	if order == 0 {
		order = DefaultOrder
	}
	if order < MinOrder {
		order = MinOrder
	}
	budget := (bodySize - 8) / (order - 1)
	leaf := budget - leafEntryOverhead - valueSize
	internal := budget - internalEntryOverhead
	if leaf < internal {
		return leaf
	}
	return internal
}
