package bplus

import "fmt"

// findLeaf descends from the root to the leaf that owns key, recording the
// internal nodes visited. The tree must not be empty.
func (t *BPlusTree) findLeaf(key []byte) ([]pathFrame, *Node, error) {
	path := make([]pathFrame, 0, t.meta.height)
	nodeID := t.meta.root

	for {
		node, err := t.fetchNode(nodeID)
		if err != nil {
			return nil, nil, fmt.Errorf("findLeaf: failed to fetch node %d: %w", nodeID, err)
		}
		if node.isLeaf() {
			return path, node, nil
		}
		if len(node.children) == 0 {
			return nil, nil, fmt.Errorf("findLeaf: internal node %d has no children", nodeID)
		}

		i := childIndex(node.keys, key, t.cmp)
		path = append(path, pathFrame{node: node, idx: i})
		nodeID = node.children[i]
	}
}

// leftmostLeaf follows children[0] down to the first leaf.
func (t *BPlusTree) leftmostLeaf() (*Node, error) {
	nodeID := t.meta.root
	for {
		node, err := t.fetchNode(nodeID)
		if err != nil {
			return nil, fmt.Errorf("leftmostLeaf: failed to fetch node %d: %w", nodeID, err)
		}
		if node.isLeaf() {
			return node, nil
		}
		nodeID = node.children[0]
	}
}
