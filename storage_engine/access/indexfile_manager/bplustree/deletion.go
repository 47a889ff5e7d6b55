package bplus

import (
	"LineDB/types"
	"fmt"
)

// Delete removes key. It reports false when the key was absent.
func (t *BPlusTree) Delete(key []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false, types.ErrClosed
	}
	if t.meta.root == 0 {
		return false, nil // empty tree
	}

	path, leaf, err := t.findLeaf(key)
	if err != nil {
		return false, fmt.Errorf("Delete: %w", err)
	}
	idx := binarySearch(leaf.keys, key, t.cmp)
	if idx == -1 {
		return false, nil
	}

	leaf.keys = remove(leaf.keys, idx)
	leaf.values = remove(leaf.values, idx)
	t.markDirty(leaf)
	t.meta.count--
	t.metaDirty = true

	if err := t.rebalance(path, leaf); err != nil {
		return true, fmt.Errorf("Delete: %w", err)
	}
	return true, t.maybeFlush()
}

// rebalance restores the minimum fill of node after a removal, borrowing from a
// sibling first and merging otherwise, then walks up while parents underflow.
func (t *BPlusTree) rebalance(path []pathFrame, node *Node) error {
	for {
		if len(path) == 0 {
			t.collapseRoot(node)
			return nil
		}
		if len(node.keys) >= t.minKeys {
			return nil
		}

		frame := path[len(path)-1]
		parent, i := frame.node, frame.idx

		var left, right *Node
		var err error
		if i > 0 {
			if left, err = t.fetchNode(parent.children[i-1]); err != nil {
				return fmt.Errorf("rebalance: left sibling: %w", err)
			}
		}
		if i < len(parent.children)-1 {
			if right, err = t.fetchNode(parent.children[i+1]); err != nil {
				return fmt.Errorf("rebalance: right sibling: %w", err)
			}
		}

		// ── Try borrow from a sibling ──────────────────────────────────────────
		if left != nil && len(left.keys) > t.minKeys {
			t.borrowFromLeft(parent, i, node, left)
			return nil
		}
		if right != nil && len(right.keys) > t.minKeys {
			t.borrowFromRight(parent, i, node, right)
			return nil
		}

		// ── Merge ─────────────────────────────────────────────────────────────
		if left != nil {
			t.mergeNodes(parent, i-1, left, node)
		} else if right != nil {
			t.mergeNodes(parent, i, node, right)
		} else {
			return fmt.Errorf("rebalance: internal node %d has a single child", parent.pageID)
		}

		node = parent
		path = path[:len(path)-1]
	}
}

// borrowFromLeft rotates the last entry of left into node through the parent.
func (t *BPlusTree) borrowFromLeft(parent *Node, i int, node, left *Node) {
	last := len(left.keys) - 1
	if node.isLeaf() {
		node.keys = insert(node.keys, 0, left.keys[last])
		node.values = insert(node.values, 0, left.values[last])
		left.keys = left.keys[:last]
		left.values = left.values[:last]
		parent.keys[i-1] = node.keys[0]
	} else {
		lastChild := left.children[len(left.children)-1]
		node.keys = insert(node.keys, 0, parent.keys[i-1])
		node.children = insert(node.children, 0, lastChild)
		parent.keys[i-1] = left.keys[last]
		left.keys = left.keys[:last]
		left.children = left.children[:len(left.children)-1]
	}
	t.markDirty(node)
	t.markDirty(left)
	t.markDirty(parent)
}

// borrowFromRight rotates the first entry of right into node through the parent.
func (t *BPlusTree) borrowFromRight(parent *Node, i int, node, right *Node) {
	if node.isLeaf() {
		node.keys = append(node.keys, right.keys[0])
		node.values = append(node.values, right.values[0])
		right.keys = remove(right.keys, 0)
		right.values = remove(right.values, 0)
		parent.keys[i] = right.keys[0]
	} else {
		node.keys = append(node.keys, parent.keys[i])
		node.children = append(node.children, right.children[0])
		parent.keys[i] = right.keys[0]
		right.keys = remove(right.keys, 0)
		right.children = remove(right.children, 0)
	}
	t.markDirty(node)
	t.markDirty(right)
	t.markDirty(parent)
}

// mergeNodes folds right into left and drops the separator parent.keys[sep].
func (t *BPlusTree) mergeNodes(parent *Node, sep int, left, right *Node) {
	if left.isLeaf() {
		left.keys = append(left.keys, right.keys...)
		left.values = append(left.values, right.values...)
		left.next = right.next
	} else {
		left.keys = append(left.keys, parent.keys[sep])
		left.keys = append(left.keys, right.keys...)
		left.children = append(left.children, right.children...)
	}

	parent.keys = remove(parent.keys, sep)
	parent.children = remove(parent.children, sep+1)

	t.markDirty(left)
	t.markDirty(parent)
	t.freeNode(right)
}
