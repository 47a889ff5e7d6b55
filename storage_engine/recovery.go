package storageengine

import (
	indexfile "LineDB/storage_engine/access/indexfile_manager"
	tablefile "LineDB/storage_engine/access/tablefile_manager"
	lease "LineDB/storage_engine/lease_manager"
	version "LineDB/storage_engine/version_manager"
	"LineDB/storage_engine/wal_manager"
	"LineDB/types"
	"context"
	"errors"
	"fmt"
	"os"
)

/*
Table recovery. open runs under the table's lease and brings one table to a
consistent state:

 1. open the delta chain and the WAL (OpenWAL cuts a torn tail)
 2. load the table file; a CorruptionError with AutoRebuild set rebuilds it
    from the delta chain plus the committed WAL tail
 3. replay committed WAL entries newer than the table's applied sequence
 4. open the index and rebuild it when it lags the table or is unloaded
 5. checkpoint when CheckpointEvery entries piled up

load repeats 1-3 when another process changed the files or a lease was
reclaimed from a writer that never released it. New files are opened next to
the current ones and swapped in only when everything succeeded.
*/

func (t *table) open(forceRebuild bool) error {
	if err := t.load(forceRebuild); err != nil {
		return err
	}

	idx, err := t.engine.IndexManager.ForTable(t.name)
	if err != nil {
		t.closeFiles()
		return fmt.Errorf("open: %w", err)
	}
	t.index = idx
	if err := t.syncIndex(); err != nil {
		t.logger.Warn("index rebuild failed, reads use the table file", "error", err)
	}

	t.maybeCheckpoint()

	t.logger.Info("table opened",
		"rows", t.file.Len(),
		"applied_seq", t.file.AppliedSeq(),
		"backend", t.index.Backend(),
		"deltas", t.deltas.Len())
	return nil
}

// load (re)opens the delta chain, WAL and table file and replays the WAL.
// Callers other than open hold t.mu exclusively.
func (t *table) load(forceRebuild bool) error {
	se := t.engine

	deltas, err := version.Open(se.dataDir, t.name, se.root)
	if err != nil {
		return fmt.Errorf("load %s: %w", t.name, err)
	}
	w, err := wal_manager.OpenWAL(se.dataDir, t.name, wal_manager.Options{
		SyncWrites: se.cfg.SyncWrites,
		Logger:     se.root,
	})
	if err != nil {
		return fmt.Errorf("load %s: %w", t.name, err)
	}
	cp := se.CheckpointManager.LoadCheckpoint(t.name)
	w.SetNextSeq(max(cp.Seq, deltas.LastSeq()))

	var tf *tablefile.TableFile
	if !forceRebuild {
		tf, err = tablefile.Open(se.dataDir, t.name, se.root)
	}
	if forceRebuild || err != nil {
		corrupt := err != nil
		if corrupt && (!errors.Is(err, types.ErrCorruption) || !se.cfg.AutoRebuild) {
			w.Close()
			return fmt.Errorf("load %s: %w", t.name, err)
		}
		if corrupt {
			t.logger.Warn("table file corrupt, rebuilding from delta chain", "error", err)
		}
		tf, err = t.rebuildFile(deltas, w, corrupt)
		if err != nil {
			w.Close()
			return err
		}
	}
	w.SetNextSeq(tf.AppliedSeq())

	replayed, err := t.replay(tf, w)
	if err != nil {
		tf.Close()
		w.Close()
		return fmt.Errorf("load %s: %w", t.name, err)
	}
	if replayed > 0 {
		t.logger.Info("wal replayed", "entries", replayed, "applied_seq", tf.AppliedSeq())
	}

	t.closeFiles()
	t.file, t.wal, t.deltas = tf, w, deltas

	pending := int64(0)
	if applied, covered := tf.AppliedSeq(), deltas.LastSeq(); applied > covered {
		pending = int64(applied - covered)
	}
	t.sinceCheckpoint.Store(pending)
	return nil
}

// replay appends every committed WAL entry newer than the table file to it.
// Entries at or below the applied sequence are skipped, so replaying twice
// is the same as replaying once.
func (t *table) replay(tf *tablefile.TableFile, w *wal_manager.WALManager) (int, error) {
	entries, err := w.ReplayCommitted(tf.AppliedSeq())
	if err != nil {
		return 0, fmt.Errorf("replay: %w", err)
	}
	for i := range entries {
		if _, err := applyEntry(tf, &entries[i]); err != nil {
			return i, fmt.Errorf("replay: seq %d: %w", entries[i].Seq, err)
		}
	}
	return len(entries), nil
}

// applyEntry writes the row record of a put or delete entry.
func applyEntry(tf *tablefile.TableFile, e *wal_manager.Entry) (types.RowRef, error) {
	rec := tablefile.Record{Seq: e.Seq, Key: string(e.Key)}
	switch e.Op {
	case types.OpPut:
		fields, _, err := wal_manager.DecodeFields(e.New)
		if err != nil {
			return types.RowRef{}, err
		}
		if fields == nil {
			fields = map[string]string{}
		}
		rec.Fields = fields
	case types.OpDelete:
		rec.Deleted = true
	default:
		return types.RowRef{}, fmt.Errorf("applyEntry: unexpected %s entry", e.Op)
	}
	return tf.Append(rec)
}

// rebuildFile writes a new table file from the delta chain and the WAL. A
// corrupt file is first moved aside so it can be inspected.
func (t *table) rebuildFile(deltas *version.VersionManager, w *wal_manager.WALManager, corrupt bool) (*tablefile.TableFile, error) {
	se := t.engine

	recs, seq, err := t.materialize(deltas, w)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", types.ErrRebuildFailed, t.name, err)
	}

	var tf *tablefile.TableFile
	if !corrupt {
		tf, err = tablefile.Open(se.dataDir, t.name, se.root)
		corrupt = errors.Is(err, types.ErrCorruption)
		if err != nil && !corrupt {
			return nil, fmt.Errorf("%w: %s: %w", types.ErrRebuildFailed, t.name, err)
		}
	}
	if corrupt {
		path := tablefile.Path(se.dataDir, t.name)
		if err := os.Rename(path, path+corruptExt); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s: %w", types.ErrRebuildFailed, t.name, err)
		}
		tf, err = tablefile.Open(se.dataDir, t.name, se.root)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", types.ErrRebuildFailed, t.name, err)
		}
	}
	if err := tf.ReplaceAll(recs, seq); err != nil {
		tf.Close()
		return nil, fmt.Errorf("%w: %s: %w", types.ErrRebuildFailed, t.name, err)
	}

	t.logger.Info("table file rebuilt", "rows", len(recs), "applied_seq", seq, "deltas", deltas.Len())
	return tf, nil
}

// materialize folds the delta chain and the committed WAL tail after it into
// the rows of the table, each stamped with the sequence that last wrote it.
func (t *table) materialize(deltas *version.VersionManager, w *wal_manager.WALManager) ([]tablefile.Record, uint64, error) {
	rows, seq, err := deltas.Materialize(0)
	if err != nil {
		return nil, 0, err
	}
	if cp := t.engine.CheckpointManager.LoadCheckpoint(t.name); cp.Seq > seq {
		return nil, 0, fmt.Errorf("%w: %s: checkpoint at seq %d, chain ends at %d",
			types.ErrDeltaChainBroken, t.name, cp.Seq, seq)
	}

	byKey := make(map[string]tablefile.Record, len(rows))
	for k, fields := range rows {
		byKey[k] = tablefile.Record{Seq: seq, Key: k, Fields: fields}
	}

	tail, err := w.ReplayCommitted(seq)
	if err != nil {
		return nil, 0, err
	}
	for _, e := range tail {
		key := string(e.Key)
		switch e.Op {
		case types.OpPut:
			fields, _, err := wal_manager.DecodeFields(e.New)
			if err != nil {
				return nil, 0, fmt.Errorf("wal seq %d: %w", e.Seq, err)
			}
			byKey[key] = tablefile.Record{Seq: e.Seq, Key: key, Fields: fields}
		case types.OpDelete:
			delete(byKey, key)
		}
		seq = e.Seq
	}

	out := make([]tablefile.Record, 0, len(byKey))
	for _, rec := range byKey {
		out = append(out, rec)
	}
	return out, seq, nil
}

// syncIndex rebuilds the index when it does not reflect the table file.
func (t *table) syncIndex() error {
	if !t.indexStale.Load() && !t.index.NeedsRebuild(t.file.AppliedSeq()) {
		return nil
	}
	return t.rebuildIndex()
}

func (t *table) rebuildIndex() error {
	seq := t.file.AppliedSeq()
	src := t.file.Entries()
	entries := make([]indexfile.IndexEntry, len(src))
	for i, e := range src {
		entries[i] = indexfile.IndexEntry{Key: e.Key, Ref: e.Ref}
	}
	if err := t.index.Rebuild(entries, seq); err != nil {
		t.indexStale.Store(true)
		return fmt.Errorf("rebuildIndex %s: %w", t.name, err)
	}
	t.indexStale.Store(false)
	return nil
}

// reload reopens the table from disk. Used after another process wrote it.
func (t *table) reload() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.load(false); err != nil {
		return err
	}
	if err := t.syncIndex(); err != nil {
		t.logger.Warn("index rebuild failed, reads use the table file", "error", err)
	}
	return nil
}

// Rebuild regenerates the table file from the delta chain and WAL and then
// the index from the table file. It waits for the table's lease.
func (se *StorageEngine) Rebuild(ctx context.Context, name string) error {
	t := se.openedTable(name)
	if t == nil {
		_, err := se.openTable(name, true)
		return err
	}
	return se.Coordinator.WithLease(ctx, name, se.writerID, 0, func(*lease.WriteLease) error {
		t.mu.Lock()
		defer t.mu.Unlock()
		if err := t.load(true); err != nil {
			return fmt.Errorf("Rebuild: %w", err)
		}
		if err := t.rebuildIndex(); err != nil {
			return fmt.Errorf("Rebuild: %w: %w", types.ErrRebuildFailed, err)
		}
		return nil
	})
}

// closeFiles closes the table file and WAL; the index belongs to the index manager.
func (t *table) closeFiles() error {
	var errs []error
	if t.file != nil {
		errs = append(errs, t.file.Close())
		t.file = nil
	}
	if t.wal != nil {
		errs = append(errs, t.wal.Close())
		t.wal = nil
	}
	return errors.Join(errs...)
}

func (t *table) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	if t.index != nil && t.file != nil && !t.indexStale.Load() {
		t.index.SetAppliedSeq(t.file.AppliedSeq())
		errs = append(errs, t.index.Flush())
	}
	errs = append(errs, t.closeFiles())
	return errors.Join(errs...)
}
