package bplus

import (
	"LineDB/types"
	"fmt"
)

// splitLeaf moves the upper half of an overflowing leaf into a new right
// sibling and promotes the sibling's first key (the median) to the parent.
func (t *BPlusTree) splitLeaf(path []pathFrame, leaf *Node) error {
	mid := len(leaf.keys) / 2

	right, err := t.newNode(types.PageLeaf)
	if err != nil {
		return fmt.Errorf("splitLeaf: failed to allocate right sibling: %w", err)
	}

	right.keys = append(right.keys, leaf.keys[mid:]...)
	right.values = append(right.values, leaf.values[mid:]...)
	right.next = leaf.next // right inherits leaf's old next pointer

	leaf.keys = leaf.keys[:mid:mid]
	leaf.values = leaf.values[:mid:mid]
	leaf.next = right.pageID

	t.markDirty(leaf)
	t.markDirty(right)

	return t.insertIntoParent(path, leaf.pageID, right.keys[0], right.pageID)
}
