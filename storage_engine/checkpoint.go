package storageengine

import (
	lease "LineDB/storage_engine/lease_manager"
	version "LineDB/storage_engine/version_manager"
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

/*
Checkpoints fold the WAL into the delta chain:

 1. collapse the committed WAL entries after the last delta into delta N
 2. fsync the table file and flush the index at the new applied seq
 3. record (seq, N) in checkpoint.json
 4. truncate the WAL up to seq and prune the chain to DeltaRetention deltas
 5. compact the table file when superseded records dominate it, and the
    index file when its freelist outgrows the tree

The WAL is cut only after the delta and the checkpoint record are durable, so
a crash between any two steps leaves files that open() recovers from.
*/

// Checkpoint runs a checkpoint of table under its lease. It returns the new
// delta, or nil when nothing was written since the last one.
func (se *StorageEngine) Checkpoint(ctx context.Context, name string) (*version.Delta, error) {
	t, err := se.table(name)
	if err != nil {
		return nil, err
	}
	var d *version.Delta
	err = se.Coordinator.WithLease(ctx, name, se.writerID, 0, func(*lease.WriteLease) error {
		var err error
		d, err = t.checkpoint()
		return err
	})
	return d, err
}

// maybeCheckpoint checkpoints once CheckpointEvery entries were applied.
// Runs under the lease.
func (t *table) maybeCheckpoint() {
	every := t.engine.cfg.CheckpointEvery
	if every <= 0 || t.sinceCheckpoint.Load() < int64(every) {
		return
	}
	if _, err := t.checkpoint(); err != nil {
		t.logger.Warn("automatic checkpoint failed", "error", err)
	}
}

func (t *table) checkpoint() (*version.Delta, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil, fmt.Errorf("Checkpoint %s: table closed", t.name)
	}

	start := time.Now()
	seq := t.file.AppliedSeq()

	entries, err := t.wal.ReplayCommitted(t.deltas.LastSeq())
	if err != nil {
		return nil, fmt.Errorf("Checkpoint %s: %w", t.name, err)
	}
	d, err := t.deltas.Checkpoint(entries, seq)
	if err != nil {
		return nil, fmt.Errorf("Checkpoint %s: %w", t.name, err)
	}

	if err := t.file.Sync(); err != nil {
		return nil, fmt.Errorf("Checkpoint %s: %w", t.name, err)
	}
	if !t.indexStale.Load() {
		t.index.SetAppliedSeq(seq)
		if err := t.index.Flush(); err != nil {
			return nil, fmt.Errorf("Checkpoint %s: %w", t.name, err)
		}
	}

	if err := t.engine.CheckpointManager.SaveCheckpoint(t.name, seq, t.deltas.LastN()); err != nil {
		return nil, fmt.Errorf("Checkpoint %s: %w", t.name, err)
	}
	if err := t.wal.Truncate(seq); err != nil {
		return nil, fmt.Errorf("Checkpoint %s: %w", t.name, err)
	}
	t.sinceCheckpoint.Store(0)

	if err := t.deltas.Prune(t.engine.cfg.DeltaRetention); err != nil {
		return nil, fmt.Errorf("Checkpoint %s: %w", t.name, err)
	}
	if err := t.compactLocked(); err != nil {
		t.logger.Warn("table compaction failed", "error", err)
	}
	if !t.indexStale.Load() {
		if _, err := t.index.CompactIfSparse(); err != nil {
			t.markIndexStale(err)
		}
	}

	if d != nil {
		t.logger.Info("checkpoint written",
			"delta", d.N,
			"changes", len(d.Entries),
			"from_seq", d.FromSeq,
			"to_seq", d.ToSeq,
			"wal", humanize.Bytes(uint64(t.wal.Size())),
			"took", time.Since(start))
	}
	return d, nil
}

// compactLocked rewrites the table file once superseded records outnumber
// live rows. Row offsets change, so the index is rebuilt.
func (t *table) compactLocked() error {
	garbage, live := t.file.Garbage(), t.file.Len()
	if garbage < compactMinGarbage || garbage <= live {
		return nil
	}

	before := t.file.Size()
	if err := t.file.Compact(); err != nil {
		return err
	}
	if err := t.rebuildIndex(); err != nil {
		return err
	}
	t.logger.Info("table file compacted",
		"rows", live,
		"dropped_records", garbage,
		"before", humanize.Bytes(uint64(before)),
		"after", humanize.Bytes(uint64(t.file.Size())))
	return nil
}
