package bplus

import (
	"LineDB/types"
	"fmt"
)

// Get returns a copy of the value stored under key.
func (t *BPlusTree) Get(key []byte) ([]byte, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return nil, false, types.ErrClosed
	}
	if t.meta.root == 0 {
		return nil, false, nil
	}

	_, leaf, err := t.findLeaf(key)
	if err != nil {
		return nil, false, fmt.Errorf("Get: %w", err)
	}
	idx := binarySearch(leaf.keys, key, t.cmp)
	if idx == -1 {
		return nil, false, nil
	}
	return append([]byte(nil), leaf.values[idx]...), true, nil
}

// Contains reports whether key is present.
func (t *BPlusTree) Contains(key []byte) (bool, error) {
	_, ok, err := t.Get(key)
	return ok, err
}
