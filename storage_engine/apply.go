package storageengine

import (
	tablefile "LineDB/storage_engine/access/tablefile_manager"
	"LineDB/storage_engine/wal_manager"
	"LineDB/types"
	"context"
	"errors"
	"fmt"
	"os"
)

/*
The applier side of the write coordinator. Apply runs on the table's applier
goroutine while the writer holds the lease:

 1. read the current row (Existed, old image)
 2. append the WAL entry; once it is durable the mutation is committed
 3. append the row record to the table file
 4. update the index

If 3 fails an abort entry cancels the WAL entry, so replay skips it and the
caller sees the error. If 4 fails the table file stays authoritative: the
index is marked stale, reads go to the table file and the next write or open
rebuilds it.
*/

// Apply implements lease.Applier.
func (se *StorageEngine) Apply(_ context.Context, m types.Mutation) (types.MutationResult, error) {
	t := se.openedTable(m.Table)
	if t == nil {
		return types.MutationResult{}, fmt.Errorf("Apply: table %s is not open", m.Table)
	}
	return t.apply(m)
}

// Recover implements lease.Applier. It runs when a lease was reclaimed from
// a holder that never released it, so the files may hold its partial work.
func (se *StorageEngine) Recover(name string) error {
	t := se.openedTable(name)
	if t == nil {
		// not open yet: open runs the full recovery
		return nil
	}
	return t.reload()
}

func (t *table) apply(m types.Mutation) (types.MutationResult, error) {
	if err := t.refreshIfChanged(); err != nil {
		return types.MutationResult{}, fmt.Errorf("Apply: %w", err)
	}

	t.mu.RLock()
	res, err := t.applyLocked(m)
	t.mu.RUnlock()
	if err != nil {
		return res, err
	}

	t.maybeCheckpoint()
	return res, nil
}

func (t *table) applyLocked(m types.Mutation) (types.MutationResult, error) {
	if t.file == nil {
		return types.MutationResult{}, types.ErrClosed
	}

	old, existed, err := t.file.Get(m.Key)
	if err != nil {
		return types.MutationResult{}, fmt.Errorf("Apply: %w", err)
	}
	if m.Type == types.OpDelete && !existed {
		return types.MutationResult{}, nil
	}

	oldImage, err := wal_manager.EncodeFields(old.Fields, existed)
	if err != nil {
		return types.MutationResult{}, fmt.Errorf("Apply: %w", err)
	}
	entry := &wal_manager.Entry{Op: m.Type, Key: []byte(m.Key), Old: oldImage}
	switch m.Type {
	case types.OpPut:
		if entry.New, err = wal_manager.EncodeFields(m.Fields, true); err != nil {
			return types.MutationResult{}, fmt.Errorf("Apply: %w", err)
		}
	case types.OpDelete:
	default:
		return types.MutationResult{}, fmt.Errorf("Apply: unsupported operation %s", m.Type)
	}

	seq, err := t.wal.Append(entry)
	if err != nil {
		return types.MutationResult{}, fmt.Errorf("Apply: %s %q: %w", m.Type, m.Key, err)
	}

	ref, err := applyEntry(t.file, entry)
	if err != nil {
		if _, aerr := t.wal.Abort(seq); aerr != nil {
			t.logger.Error("failed to log abort, replay will apply the entry", "seq", seq, "error", aerr)
		}
		return types.MutationResult{}, fmt.Errorf("Apply: %s %q: %w", m.Type, m.Key, err)
	}

	t.updateIndex(entry, ref)
	t.last.Store(&writeMark{writer: m.WriterID, at: m.Submitted})
	t.sinceCheckpoint.Add(1)

	t.logger.Debug("mutation applied", "op", m.Type, "key", m.Key, "seq", seq, "writer", m.WriterID)
	return types.MutationResult{Seq: seq, Existed: existed}, nil
}

func (t *table) updateIndex(e *wal_manager.Entry, ref types.RowRef) {
	if t.indexStale.Load() {
		if err := t.rebuildIndex(); err != nil {
			t.logger.Warn("index still stale", "error", err)
		}
		return
	}

	key := string(e.Key)
	var err error
	if e.Op == types.OpPut {
		err = t.index.Insert(key, ref)
	} else {
		_, err = t.index.Remove(key)
	}

	switch {
	case err == nil:
		t.index.SetAppliedSeq(e.Seq)
	case errors.Is(err, types.ErrRebuildFailed):
		// the entry itself went in, only the backend switch failed
		t.logger.Warn("index migration failed, keeping current backend", "error", err)
		t.index.SetAppliedSeq(e.Seq)
	default:
		t.indexStale.Store(true)
		t.logger.Error("index update failed, reads use the table file until rebuilt",
			"key", key, "seq", e.Seq, "error", err)
	}
}

// refreshIfChanged reloads the table when its files no longer match what this
// engine wrote, i.e. another process held the lease in between.
func (t *table) refreshIfChanged() error {
	t.mu.RLock()
	if t.file == nil {
		t.mu.RUnlock()
		return types.ErrClosed
	}
	tblSize, walSize := t.file.Size(), t.wal.Size()
	t.mu.RUnlock()

	dir := t.engine.dataDir
	tblInfo, err := os.Stat(tablefile.Path(dir, t.name))
	if err != nil {
		return err
	}
	walInfo, err := os.Stat(wal_manager.Path(dir, t.name))
	if err != nil {
		return err
	}
	if tblInfo.Size() == tblSize && walInfo.Size() == walSize {
		return nil
	}

	t.logger.Info("table changed on disk, reloading",
		"table_bytes", tblInfo.Size(), "known_table_bytes", tblSize,
		"wal_bytes", walInfo.Size(), "known_wal_bytes", walSize)
	return t.reload()
}
