package indexfile

import (
	bplus "LineDB/storage_engine/access/indexfile_manager/bplustree"
	"LineDB/storage_engine/access/indexfile_manager/hashindex"
	diskmanager "LineDB/storage_engine/disk_manager"
	"LineDB/storage_engine/fileio"
	"LineDB/types"
	"fmt"
	"sort"
	"time"
)

/*
Backend migration and rebuild.

Both run with the handle's write lock held, so readers wait for the swap and
never observe a half-built backend. A B+Tree is always built off to the side in
<table>.idx.tmp, closed, then renamed over <table>.idx and reopened. If any step
fails the previous backend stays live and the caller gets ErrRebuildFailed.
*/

// Rebuild replaces the index contents with entries, which must hold one entry
// per key, and records seq as applied. The backend is chosen by SelectBackend.
func (h *IndexHandle) Rebuild(entries []IndexEntry, seq uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	start := time.Now()
	target := h.mgr.SelectBackend(len(entries))
	if err := h.buildBackend(target, entries, seq); err != nil {
		return err
	}
	h.lastRebuild = time.Now()

	h.logger.Info("index rebuilt",
		"backend", target, "rows", len(entries), "applied_seq", seq, "took", time.Since(start))
	return h.flushLocked()
}

func (h *IndexHandle) maybeMigrateLocked() error {
	n := h.lenLocked()

	var target types.BackendKind
	switch {
	case h.backend == types.BackendHash && n >= h.mgr.upperBound():
		target = types.BackendBTree
	case h.backend == types.BackendBTree && n < h.mgr.lowerBound():
		target = types.BackendHash
	default:
		return nil
	}

	from := h.backend
	start := time.Now()
	entries, err := h.entriesLocked()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrRebuildFailed, h.table, err)
	}
	if err := h.buildBackend(target, entries, h.appliedSeq); err != nil {
		h.logger.Warn("index migration failed, keeping current backend",
			"from", from, "to", target, "rows", n, "error", err)
		return err
	}

	h.logger.Info("index migrated", "from", from, "to", target, "rows", n, "took", time.Since(start))

	if err := h.flushLocked(); err != nil {
		return err
	}
	meta, _ := h.mgr.meta.get(h.table, h.column)
	meta.LastMigration = time.Now()
	return h.mgr.meta.put(meta)
}

// entriesLocked lists every entry of the live backend in key order.
func (h *IndexHandle) entriesLocked() ([]IndexEntry, error) {
	out := make([]IndexEntry, 0, h.lenLocked())
	add := func(k, v []byte) error {
		ref, err := types.DecodeRowRef(v)
		if err != nil {
			return types.NewCorruption(h.path, -1, "index entry for %q: %v", k, err)
		}
		out = append(out, IndexEntry{Key: string(k), Ref: ref})
		return nil
	}

	if h.tree != nil {
		kvs, err := h.tree.Range(nil, nil)
		if err != nil {
			return nil, err
		}
		for _, kv := range kvs {
			if err := add(kv.Key, kv.Value); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	for _, e := range h.hash.Sorted() {
		if err := add(e.Key, e.Value); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// buildBackend makes target the live backend holding exactly entries.
func (h *IndexHandle) buildBackend(target types.BackendKind, entries []IndexEntry, seq uint64) error {
	switch target {
	case types.BackendHash:
		idx := hashindex.New()
		for _, e := range entries {
			idx.Put([]byte(e.Key), e.Ref.Encode())
		}
		if h.tree != nil {
			if err := h.tree.Close(); err != nil {
				h.logger.Warn("closing replaced index file", "error", err)
			}
			h.tree = nil
			if err := diskmanager.Remove(h.path); err != nil {
				h.logger.Warn("removing replaced index file", "error", err)
			}
		}
		h.hash = idx

	case types.BackendBTree:
		tree, err := h.buildTree(entries, seq)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", types.ErrRebuildFailed, h.table, err)
		}
		h.tree = tree
		h.hash = nil

	default:
		return fmt.Errorf("%w: unknown backend %q", types.ErrRebuildFailed, target)
	}

	h.backend = target
	h.appliedSeq = seq
	h.loaded = true
	return nil
}

// buildTree bulk loads entries into <table>.idx.tmp and swaps it in.
func (h *IndexHandle) buildTree(entries []IndexEntry, seq uint64) (*bplus.BPlusTree, error) {
	sorted := make([]IndexEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	kvs := make([]bplus.KV, len(sorted))
	for i, e := range sorted {
		kvs[i] = bplus.KV{Key: []byte(e.Key), Value: e.Ref.Encode()}
	}

	tmpPath := h.path + tmpExt
	if err := diskmanager.Remove(tmpPath); err != nil {
		return nil, err
	}
	tmp, err := bplus.Open(tmpPath, h.mgr.opts.Order, h.mgr.treeOptions())
	if err != nil {
		return nil, err
	}
	if err := tmp.BulkLoad(kvs); err != nil {
		tmp.Close()
		diskmanager.Remove(tmpPath)
		return nil, err
	}
	tmp.SetAppliedSeq(seq)
	if err := tmp.Close(); err != nil {
		diskmanager.Remove(tmpPath)
		return nil, err
	}

	// the old tree must release its mapping before the file is replaced
	if h.tree != nil {
		if err := h.tree.Close(); err != nil {
			h.logger.Warn("closing replaced index file", "error", err)
		}
		h.tree = nil
	}

	if err := fileio.CommitRename(tmpPath, h.path); err != nil {
		diskmanager.Remove(tmpPath)
		return nil, h.reopenAfterFailure(err)
	}
	tree, err := bplus.Open(h.path, h.mgr.opts.Order, h.mgr.treeOptions())
	if err != nil {
		return nil, h.reopenAfterFailure(err)
	}
	return tree, nil
}

// reopenAfterFailure restores whatever backend is still usable after a failed
// swap. A hash backend is untouched by buildTree; a B+Tree backend is reopened
// from the file left at path.
func (h *IndexHandle) reopenAfterFailure(cause error) error {
	if h.backend != types.BackendBTree {
		return cause
	}
	tree, err := bplus.Open(h.path, h.mgr.opts.Order, h.mgr.treeOptions())
	if err != nil {
		h.loaded = false
		h.logger.Error("index unusable after failed rebuild", "error", err)
		return cause
	}
	h.tree = tree
	return cause
}
