package indexfile

import (
	"LineDB/logger"
	bplus "LineDB/storage_engine/access/indexfile_manager/bplustree"
	"LineDB/storage_engine/access/indexfile_manager/hashindex"
	diskmanager "LineDB/storage_engine/disk_manager"
	"LineDB/types"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

/*
This file is the main file for the Smart Index Manager.

Every table gets one index over its key column. Small tables use the in-memory
hash backend; once a table grows past the threshold the index migrates to a
B+Tree page file, and shrinks back when it falls well below it:

	hash  → btree   when rows >= threshold × (1 + margin)
	btree → hash    when rows <  threshold × (1 − margin)

A fresh rebuild picks its backend with SelectBackend (plain threshold). The
backend chosen for each table is persisted in indices/metadata.json.
*/

func NewIndexFileManager(baseDir string, opts Options) (*IndexFileManager, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create indices directory: %w", err)
	}
	if opts.HashThreshold <= 0 {
		opts.HashThreshold = 1000
	}
	if opts.HysteresisMargin < 0 || opts.HysteresisMargin >= 1 {
		return nil, fmt.Errorf("NewIndexFileManager: hysteresis margin %.2f outside [0, 1)", opts.HysteresisMargin)
	}

	meta, err := loadMetadata(filepath.Join(baseDir, metadataFile))
	if err != nil {
		return nil, err
	}

	return &IndexFileManager{
		baseDir: baseDir,
		opts:    opts,
		handles: make(map[string]*IndexHandle),
		meta:    meta,
		logger:  logger.Component(opts.Logger, "index"),
	}, nil
}

// SelectBackend returns the backend a fresh index over cardinality rows should use.
func (m *IndexFileManager) SelectBackend(cardinality int) types.BackendKind {
	if cardinality >= m.opts.HashThreshold {
		return types.BackendBTree
	}
	return types.BackendHash
}

// upperBound is the row count at which a hash index migrates to the B+Tree.
func (m *IndexFileManager) upperBound() int {
	return int(math.Ceil(float64(m.opts.HashThreshold) * (1 + m.opts.HysteresisMargin)))
}

// lowerBound is the row count below which a B+Tree index migrates to hash.
func (m *IndexFileManager) lowerBound() int {
	return int(math.Floor(float64(m.opts.HashThreshold) * (1 - m.opts.HysteresisMargin)))
}

// MaxKeySize is the longest key every backend accepts.
func (m *IndexFileManager) MaxKeySize() int {
	return bplus.MaxKeySize(m.opts.Order, types.RowRefSize)
}

func (m *IndexFileManager) treeOptions() bplus.Options {
	return bplus.Options{CacheSize: m.opts.CacheSize, Logger: m.opts.Logger}
}

// ForTable returns the index handle of a table, opening it on first use.
// A hash backed handle starts unloaded; callers check NeedsRebuild and feed
// it the table rows.
func (m *IndexFileManager) ForTable(table string) (*IndexHandle, error) {
	m.mu.RLock()
	h, exists := m.handles[table]
	m.mu.RUnlock()
	if exists {
		return h, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, exists := m.handles[table]; exists {
		return h, nil
	}

	h = &IndexHandle{
		table:  table,
		column: KeyColumn,
		path:   filepath.Join(m.baseDir, table+indexExt),
		mgr:    m,
		logger: m.logger.With("table", table),
	}

	meta, ok := m.meta.get(table, KeyColumn)
	if ok && meta.Backend == types.BackendBTree {
		if err := h.openTree(meta); err != nil {
			h.logger.Warn("index file unusable, it will be rebuilt", "path", h.path, "error", err)
			_ = diskmanager.Remove(h.path)
		}
	}
	if h.tree == nil {
		h.backend = types.BackendHash
		h.hash = hashindex.New()
	}

	m.handles[table] = h
	return h, nil
}

// openTree opens and verifies an existing B+Tree index file.
func (h *IndexHandle) openTree(meta IndexMetadata) error {
	if _, err := os.Stat(h.path); err != nil {
		return err
	}
	tree, err := bplus.Open(h.path, h.mgr.opts.Order, h.mgr.treeOptions())
	if err != nil {
		return err
	}
	if err := tree.VerifyIntegrity(); err != nil {
		tree.Close()
		return err
	}

	h.tree = tree
	h.backend = types.BackendBTree
	h.appliedSeq = tree.AppliedSeq()
	h.loaded = true
	h.lastRebuild = meta.LastRebuild
	return nil
}

// Metadata returns every persisted index record.
func (m *IndexFileManager) Metadata() []IndexMetadata {
	return m.meta.all()
}

// Close flushes and closes every open handle.
func (m *IndexFileManager) Close() error {
	m.mu.Lock()
	handles := make([]*IndexHandle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = make(map[string]*IndexHandle)
	m.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := h.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *IndexFileManager) forget(table string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handles, table)
}
