package storageengine

import (
	"LineDB/config"
	"LineDB/logger"
	indexfile "LineDB/storage_engine/access/indexfile_manager"
	checkpoint "LineDB/storage_engine/checkpoint_manager"
	conflict "LineDB/storage_engine/conflict_resolver"
	lease "LineDB/storage_engine/lease_manager"
	"LineDB/types"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

/*
The main file of the storage engine. Open wires the managers of one data directory:

	<data>/<table>.tbl          rows (tablefile_manager)
	<data>/<table>.wal          write-ahead log (wal_manager)
	<data>/<table>.delta.N      delta chain (version_manager)
	<data>/<table>.lock         lease lock (lease_manager)
	<data>/indices/<table>.idx  B+Tree index file (indexfile_manager)
	<data>/indices/metadata.json
	<data>/checkpoint.json

Tables are opened lazily by OpenTable; opening runs recovery (see recovery.go).
Nothing here is process global, so several engines can live side by side.
*/

var tableNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Open opens or creates the engine rooted at cfg.DataDir.
func Open(cfg *config.Config, options ...Option) (*StorageEngine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	c := *cfg
	c.FillDefaults()

	var o engineOptions
	for _, opt := range options {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.NewStderr(c.LogLevel, c.LogFormat)
	}
	log := logger.Component(o.logger, "engine")

	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	strategy, err := conflict.ParseStrategy(c.ConflictStrategy)
	if err != nil {
		return nil, err
	}

	indexManager, err := indexfile.NewIndexFileManager(filepath.Join(c.DataDir, indexDir), indexfile.Options{
		Order:            c.BTreeOrder,
		CacheSize:        c.PageCacheSize,
		HashThreshold:    c.HashThreshold,
		HysteresisMargin: c.HysteresisMargin,
		Logger:           o.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init index manager: %w", err)
	}

	checkpointManager, err := checkpoint.NewCheckpointManager(c.DataDir, o.logger)
	if err != nil {
		indexManager.Close()
		return nil, fmt.Errorf("failed to init checkpoint manager: %w", err)
	}

	provider := o.provider
	if provider == nil {
		fp, err := lease.NewFileLeaseProvider(c.DataDir)
		if err != nil {
			indexManager.Close()
			return nil, fmt.Errorf("failed to init lease provider: %w", err)
		}
		provider = fp
	}

	writer := o.writerID
	if writer == "" {
		writer = "engine-" + uuid.NewString()
	}

	se := &StorageEngine{
		cfg:               &c,
		dataDir:           c.DataDir,
		IndexManager:      indexManager,
		CheckpointManager: checkpointManager,
		Resolver:          conflict.NewResolver(strategy, o.logger),
		provider:          provider,
		writerID:          writer,
		root:              o.logger,
		logger:            log,
		tables:            make(map[string]*table),
	}
	se.Coordinator = lease.NewCoordinator(provider, se, lease.Options{
		TTL:            c.LeaseTTL,
		DefaultTimeout: c.LeaseTimeout,
		Logger:         o.logger,
	})

	log.Info("storage engine opened", "data_dir", c.DataDir, "writer", writer,
		"hash_threshold", c.HashThreshold, "conflict_strategy", strategy)
	return se, nil
}

// Config returns the effective configuration.
func (se *StorageEngine) Config() config.Config { return *se.cfg }

// OpenTable returns a handle on table, creating and recovering it on first use.
func (se *StorageEngine) OpenTable(name string) (*TableHandle, error) {
	t, err := se.table(name)
	if err != nil {
		return nil, err
	}
	return &TableHandle{engine: se, t: t, writer: se.writerID}, nil
}

// table returns the open table, loading it if needed. Concurrent callers
// for the same table wait for one open.
func (se *StorageEngine) table(name string) (*table, error) {
	return se.openTable(name, false)
}

func (se *StorageEngine) openTable(name string, forceRebuild bool) (*table, error) {
	if !tableNamePattern.MatchString(name) {
		return nil, fmt.Errorf("OpenTable: invalid table name %q", name)
	}

	se.mu.Lock()
	if se.closed {
		se.mu.Unlock()
		return nil, types.ErrClosed
	}
	if t, ok := se.tables[name]; ok {
		se.mu.Unlock()
		<-t.ready
		if t.openErr != nil {
			return nil, t.openErr
		}
		return t, nil
	}
	t := &table{
		name:   name,
		engine: se,
		ready:  make(chan struct{}),
		logger: se.logger.With("table", name),
	}
	se.tables[name] = t
	se.mu.Unlock()

	// recovery rewrites files, so it runs under the table's lease
	err := se.Coordinator.WithLease(context.Background(), name, se.writerID, 0, func(*lease.WriteLease) error {
		return t.open(forceRebuild)
	})
	if err != nil {
		t.openErr = fmt.Errorf("OpenTable %s: %w", name, err)
		se.mu.Lock()
		delete(se.tables, name)
		se.mu.Unlock()
		close(t.ready)
		return nil, t.openErr
	}
	close(t.ready)
	return t, nil
}

// openedTable returns a table whose open has finished, or nil.
func (se *StorageEngine) openedTable(name string) *table {
	se.mu.RLock()
	t, ok := se.tables[name]
	se.mu.RUnlock()
	if !ok {
		return nil
	}
	select {
	case <-t.ready:
		if t.openErr != nil {
			return nil
		}
		return t
	default:
		return nil
	}
}

// Tables lists every table in the data directory, open or not.
func (se *StorageEngine) Tables() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(se.dataDir, "*.tbl"))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, m := range matches {
		seen[strings.TrimSuffix(filepath.Base(m), ".tbl")] = true
	}
	se.mu.RLock()
	for name := range se.tables {
		seen[name] = true
	}
	se.mu.RUnlock()

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// TableStats opens table if needed and summarizes it.
func (se *StorageEngine) TableStats(name string) (types.TableStats, error) {
	t, err := se.table(name)
	if err != nil {
		return types.TableStats{}, err
	}
	return t.stats(), nil
}

func (t *table) stats() types.TableStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cp := t.engine.CheckpointManager.LoadCheckpoint(t.name)
	if t.file == nil {
		return types.TableStats{Name: t.name, Checkpoint: cp.Seq}
	}
	return types.TableStats{
		Name:        t.name,
		RowCount:    t.file.Len(),
		Backend:     t.index.Backend(),
		OnDiskSize:  t.file.Size() + t.wal.Size() + t.index.SizeOnDisk(),
		AppliedSeq:  t.file.AppliedSeq(),
		Checkpoint:  cp.Seq,
		Deltas:      t.deltas.Len(),
		LastRebuild: t.index.LastRebuild(),
	}
}

// Close stops the write coordinator and closes every table.
func (se *StorageEngine) Close() error {
	se.mu.Lock()
	if se.closed {
		se.mu.Unlock()
		return nil
	}
	se.closed = true
	names := make([]string, 0, len(se.tables))
	for name := range se.tables {
		names = append(names, name)
	}
	se.mu.Unlock()

	var tables []*table
	for _, name := range names {
		if t := se.openedTable(name); t != nil {
			tables = append(tables, t)
		}
	}

	var errs []error
	// appliers finish their current write before the files go away
	errs = append(errs, se.Coordinator.Close())
	for _, t := range tables {
		errs = append(errs, t.close())
	}
	errs = append(errs, se.IndexManager.Close())

	err := errors.Join(errs...)
	if err != nil {
		se.logger.Error("storage engine closed with errors", "error", err)
	} else {
		se.logger.Info("storage engine closed")
	}
	return err
}

