package bplus

import (
	"LineDB/types"
	"fmt"
	"math"
)

// newNode allocates a page id, preferring the freelist, and registers the
// empty node as dirty.
func (t *BPlusTree) newNode(nodeType types.PageType) (*Node, error) {
	var id uint64
	if !t.meta.free.IsEmpty() {
		first := t.meta.free.Minimum()
		t.meta.free.Remove(first)
		id = uint64(first)
	} else {
		if t.meta.nextPageID > math.MaxUint32 {
			return nil, fmt.Errorf("newNode: page id space exhausted in %s", t.path)
		}
		id = t.meta.nextPageID
		t.meta.nextPageID++
	}
	t.metaDirty = true

	n := &Node{pageID: id, nodeType: nodeType}
	t.markDirty(n)
	return n, nil
}

// freeNode returns a node's page to the freelist. The page bytes stay on disk
// until reused but are no longer reachable from the root.
func (t *BPlusTree) freeNode(n *Node) {
	t.pool.Forget(n.pageID)
	t.meta.free.Add(uint32(n.pageID))
	t.metaDirty = true
}
