package bplus

// insertIntoParent links a freshly split right node next to its left half.
// path holds the ancestors of the left node; an empty path means the left
// node was the root.
func (t *BPlusTree) insertIntoParent(path []pathFrame, leftPageID uint64, key []byte, rightPageID uint64) error {
	if len(path) == 0 {
		return t.createNewRoot(leftPageID, key, rightPageID)
	}

	frame := path[len(path)-1]
	parent := frame.node

	parent.keys = insert(parent.keys, frame.idx, key)
	parent.children = insert(parent.children, frame.idx+1, rightPageID)
	t.markDirty(parent)

	if len(parent.keys) > t.maxKeys {
		return t.splitInternal(path[:len(path)-1], parent)
	}
	return nil
}
