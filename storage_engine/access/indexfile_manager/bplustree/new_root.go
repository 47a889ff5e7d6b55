package bplus

import (
	"LineDB/types"
	"fmt"
)

// createNewRoot creates a new root internal node with leftPageID and rightPageID
// as its two children, separated by promoteKey. Height grows by exactly one.
func (t *BPlusTree) createNewRoot(leftPageID uint64, promoteKey []byte, rightPageID uint64) error {
	root, err := t.newNode(types.PageInternal)
	if err != nil {
		return fmt.Errorf("createNewRoot: failed to allocate new root: %w", err)
	}

	root.keys = append(root.keys, promoteKey)
	root.children = append(root.children, leftPageID, rightPageID)
	t.markDirty(root)

	t.meta.root = root.pageID
	t.meta.height++
	t.metaDirty = true
	t.logger.Debug("root split", "new_root", root.pageID, "height", t.meta.height)
	return nil
}

// collapseRoot drops an internal root left with a single child, or an empty
// leaf root. Height shrinks by exactly one.
func (t *BPlusTree) collapseRoot(root *Node) {
	switch {
	case !root.isLeaf() && len(root.keys) == 0:
		t.meta.root = root.children[0]
		t.meta.height--
		t.freeNode(root)
	case root.isLeaf() && len(root.keys) == 0:
		t.meta.root = 0
		t.meta.height = 0
		t.freeNode(root)
	default:
		return
	}
	t.metaDirty = true
	t.logger.Debug("root collapsed", "new_root", t.meta.root, "height", t.meta.height)
}
