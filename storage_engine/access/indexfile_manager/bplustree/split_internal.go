package bplus

import (
	"LineDB/types"
	"fmt"
)

// splitInternal splits an overflowing internal node. The median key moves up
// to the parent and is kept in neither half.
func (t *BPlusTree) splitInternal(path []pathFrame, node *Node) error {
	mid := len(node.keys) / 2
	promoteKey := node.keys[mid]

	right, err := t.newNode(types.PageInternal)
	if err != nil {
		return fmt.Errorf("splitInternal: failed to allocate right sibling: %w", err)
	}

	right.keys = append(right.keys, node.keys[mid+1:]...)
	right.children = append(right.children, node.children[mid+1:]...)

	node.keys = node.keys[:mid:mid]
	node.children = node.children[: mid+1 : mid+1]

	t.markDirty(node)
	t.markDirty(right)

	return t.insertIntoParent(path, node.pageID, promoteKey, right.pageID)
}
