package indexfile

import (
	"LineDB/types"
	"errors"
	"fmt"
	"time"
)

var errNotLoaded = errors.New("index not loaded, rebuild required")

func (h *IndexHandle) Table() string { return h.table }

func (h *IndexHandle) Backend() types.BackendKind {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.backend
}

func (h *IndexHandle) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lenLocked()
}

func (h *IndexHandle) lenLocked() int {
	switch {
	case h.tree != nil:
		return h.tree.Len()
	case h.hash != nil:
		return h.hash.Len()
	}
	return 0
}

func (h *IndexHandle) AppliedSeq() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.appliedSeq
}

// SetAppliedSeq records the last WAL sequence reflected in the index.
func (h *IndexHandle) SetAppliedSeq(seq uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appliedSeq = seq
	if h.tree != nil {
		h.tree.SetAppliedSeq(seq)
	}
}

// NeedsRebuild reports whether the index does not reflect the table at seq.
func (h *IndexHandle) NeedsRebuild(seq uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.loaded || h.appliedSeq != seq
}

func (h *IndexHandle) LastRebuild() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastRebuild
}

// SizeOnDisk is the B+Tree file size, 0 for the hash backend.
func (h *IndexHandle) SizeOnDisk() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.tree != nil {
		return h.tree.SizeOnDisk()
	}
	return 0
}

// Lookup returns the row location stored under exactly key.
func (h *IndexHandle) Lookup(key string) (types.RowRef, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.loaded {
		return types.RowRef{}, false, fmt.Errorf("Lookup %s: %w", h.table, errNotLoaded)
	}
	return h.lookupLocked(key)
}

func (h *IndexHandle) lookupLocked(key string) (types.RowRef, bool, error) {
	var raw []byte
	var ok bool
	if h.backend == types.BackendBTree {
		v, found, err := h.tree.Get([]byte(key))
		if err != nil {
			return types.RowRef{}, false, fmt.Errorf("Lookup %s: %w", h.table, err)
		}
		raw, ok = v, found
	} else {
		raw, ok = h.hash.Get([]byte(key))
	}
	if !ok {
		return types.RowRef{}, false, nil
	}
	ref, err := types.DecodeRowRef(raw)
	if err != nil {
		return types.RowRef{}, false, types.NewCorruption(h.path, -1, "index entry for %q: %v", key, err)
	}
	return ref, true, nil
}

// Resolve probes the key's suffix fallback chain and returns the first key
// that exists, most specific first.
func (h *IndexHandle) Resolve(key string) (string, types.RowRef, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.loaded {
		return "", types.RowRef{}, false, fmt.Errorf("Resolve %s: %w", h.table, errNotLoaded)
	}
	for _, candidate := range types.FallbackChain(key) {
		ref, ok, err := h.lookupLocked(candidate)
		if err != nil {
			return "", types.RowRef{}, false, err
		}
		if ok {
			return candidate, ref, true, nil
		}
	}
	return "", types.RowRef{}, false, nil
}

// Range returns entries with start <= key < end in key order. An empty bound
// is unbounded. On the hash backend this is a full scan.
func (h *IndexHandle) Range(start, end string) ([]IndexEntry, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.loaded {
		return nil, fmt.Errorf("Range %s: %w", h.table, errNotLoaded)
	}

	var lo, hi []byte
	if start != "" {
		lo = []byte(start)
	}
	if end != "" {
		hi = []byte(end)
	}

	var out []IndexEntry
	if h.backend == types.BackendBTree {
		err := h.tree.Scan(lo, hi, func(k, v []byte) bool {
			ref, err := types.DecodeRowRef(v)
			if err != nil {
				return true
			}
			out = append(out, IndexEntry{Key: string(k), Ref: ref})
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("Range %s: %w", h.table, err)
		}
		return out, nil
	}

	for _, e := range h.hash.Range(lo, hi) {
		ref, err := types.DecodeRowRef(e.Value)
		if err != nil {
			continue
		}
		out = append(out, IndexEntry{Key: string(e.Key), Ref: ref})
	}
	return out, nil
}

// Insert points key at ref, then migrates the backend if the row count left
// the hysteresis band. A failed migration leaves the old backend in place,
// with the insert applied, and returns ErrRebuildFailed.
func (h *IndexHandle) Insert(key string, ref types.RowRef) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.loaded {
		return fmt.Errorf("Insert %s: %w", h.table, errNotLoaded)
	}

	if h.backend == types.BackendBTree {
		if err := h.tree.Insert([]byte(key), ref.Encode()); err != nil {
			return fmt.Errorf("Insert %s: %w", h.table, err)
		}
	} else {
		h.hash.Put([]byte(key), ref.Encode())
	}
	return h.maybeMigrateLocked()
}

// Remove drops key. Same migration rules as Insert.
func (h *IndexHandle) Remove(key string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.loaded {
		return false, fmt.Errorf("Remove %s: %w", h.table, errNotLoaded)
	}

	var removed bool
	if h.backend == types.BackendBTree {
		ok, err := h.tree.Delete([]byte(key))
		if err != nil {
			return false, fmt.Errorf("Remove %s: %w", h.table, err)
		}
		removed = ok
	} else {
		removed = h.hash.Remove([]byte(key))
	}
	return removed, h.maybeMigrateLocked()
}

// Verify checks the on-disk structure of the B+Tree backend.
func (h *IndexHandle) Verify() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tree == nil {
		return nil
	}
	return h.tree.VerifyIntegrity()
}

// CompactIfSparse rewrites the B+Tree file once its freelist holds more pages
// than the tree uses. It reports whether a compaction ran.
func (h *IndexHandle) CompactIfSparse() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tree == nil {
		return false, nil
	}
	free, live := h.tree.FreePages(), h.tree.LivePages()
	if free <= live {
		return false, nil
	}
	if err := h.tree.Compact(); err != nil {
		return false, fmt.Errorf("Compact %s: %w", h.table, err)
	}
	h.logger.Info("index file compacted", "free_pages", free, "live_pages", live)
	return true, nil
}

// Flush persists the B+Tree pages and the metadata record.
func (h *IndexHandle) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flushLocked()
}

func (h *IndexHandle) flushLocked() error {
	if h.tree != nil {
		if err := h.tree.Flush(); err != nil {
			return fmt.Errorf("Flush %s: %w", h.table, err)
		}
	}
	if !h.loaded {
		return nil
	}
	prev, _ := h.mgr.meta.get(h.table, h.column)
	return h.mgr.meta.put(IndexMetadata{
		Table:         h.table,
		Column:        h.column,
		Backend:       h.backend,
		RowCount:      h.lenLocked(),
		Threshold:     h.mgr.opts.HashThreshold,
		Margin:        h.mgr.opts.HysteresisMargin,
		AppliedSeq:    h.appliedSeq,
		LastRebuild:   h.lastRebuild,
		LastMigration: prev.LastMigration,
	})
}

// Close flushes the handle and releases the B+Tree file.
func (h *IndexHandle) Close() error {
	h.mgr.forget(h.table)
	return h.close()
}

func (h *IndexHandle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	err := h.flushLocked()
	if h.tree != nil {
		if cerr := h.tree.Close(); cerr != nil && err == nil {
			err = cerr
		}
		h.tree = nil
	}
	h.loaded = false
	return err
}
