package bplus

import (
	"LineDB/types"
	"fmt"
)

// Scan calls fn for every key in [start, end) in ascending order until fn
// returns false. A nil start or end is unbounded. The tree is read locked for
// the duration, so fn must not call back into the tree's write methods.
func (t *BPlusTree) Scan(start, end []byte, fn func(key, value []byte) bool) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return types.ErrClosed
	}
	if t.meta.root == 0 {
		return nil
	}
	if start != nil && end != nil && t.cmp(start, end) >= 0 {
		return nil
	}

	var leaf *Node
	var idx int
	var err error
	if start == nil {
		leaf, err = t.leftmostLeaf()
	} else {
		_, leaf, err = t.findLeaf(start)
	}
	if err != nil {
		return fmt.Errorf("Scan: %w", err)
	}
	if start != nil {
		idx = lowerBound(leaf.keys, start, t.cmp)
	}

	// walk the leaf chain, never re-descending from the root
	for {
		for ; idx < len(leaf.keys); idx++ {
			if end != nil && t.cmp(leaf.keys[idx], end) >= 0 {
				return nil
			}
			if !fn(leaf.keys[idx], leaf.values[idx]) {
				return nil
			}
		}
		if leaf.next == 0 {
			return nil
		}
		if leaf, err = t.fetchNode(leaf.next); err != nil {
			return fmt.Errorf("Scan: %w", err)
		}
		idx = 0
	}
}

// Range returns copies of every pair in [start, end).
func (t *BPlusTree) Range(start, end []byte) ([]KV, error) {
	var out []KV
	err := t.Scan(start, end, func(k, v []byte) bool {
		out = append(out, KV{
			Key:   append([]byte(nil), k...),
			Value: append([]byte(nil), v...),
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Keys returns every key in order.
func (t *BPlusTree) Keys() ([][]byte, error) {
	var out [][]byte
	err := t.Scan(nil, nil, func(k, _ []byte) bool {
		out = append(out, append([]byte(nil), k...))
		return true
	})
	return out, err
}
