package bplus

import (
	"fmt"
	"io"
)

// MetaInfo is a read-only copy of the meta page, for tooling.
type MetaInfo struct {
	Path       string
	Order      uint64
	Root       uint64
	Height     uint64
	Count      uint64
	NextPageID uint64
	AppliedSeq uint64
	FreePages  []uint32
}

func (t *BPlusTree) Meta() MetaInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return MetaInfo{
		Path:       t.path,
		Order:      t.meta.order,
		Root:       t.meta.root,
		Height:     t.meta.height,
		Count:      t.meta.count,
		NextPageID: t.meta.nextPageID,
		AppliedSeq: t.meta.appliedSeq,
		FreePages:  t.meta.free.ToArray(),
	}
}

// InspectTo writes the tree level by level. Leaves print their key range only.
func (t *BPlusTree) InspectTo(w io.Writer) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.meta.root == 0 {
		_, err := fmt.Fprintln(w, "(empty tree)")
		return err
	}

	level := []uint64{t.meta.root}
	for depth := 1; len(level) > 0; depth++ {
		fmt.Fprintf(w, "level %d (%d nodes)\n", depth, len(level))
		var next []uint64
		for _, id := range level {
			n, err := t.fetchNode(id)
			if err != nil {
				return fmt.Errorf("InspectTo: %w", err)
			}
			if n.isLeaf() {
				first, last := "", ""
				if len(n.keys) > 0 {
					first, last = string(n.keys[0]), string(n.keys[len(n.keys)-1])
				}
				fmt.Fprintf(w, "  leaf %d: %d keys [%s .. %s] next=%d\n", id, len(n.keys), first, last, n.next)
				continue
			}
			seps := make([]string, len(n.keys))
			for i, k := range n.keys {
				seps[i] = string(k)
			}
			fmt.Fprintf(w, "  internal %d: seps=%q children=%v\n", id, seps, n.children)
			next = append(next, n.children...)
		}
		level = next
	}
	return nil
}
