package wal_manager

import (
	"LineDB/logger"
	"LineDB/storage_engine/fileio"
	"LineDB/types"
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

/*
Every table has its own write-ahead log, <table>.wal in the data directory.
An entry is durable before the table or index is touched; sequence numbers are
assigned here and are strictly increasing per table.

OpenWAL scans the whole file once. A short or checksum-failing entry marks a
torn tail from a crash mid-append: the file is cut back to the last good entry
and everything after it is discarded.

Abort entries compensate for an entry whose apply failed after it was logged.
ReplayCommitted hides both the abort and the entry it cancels.
*/

// Path returns the log file of table inside dir.
func Path(dir, table string) string {
	return filepath.Join(dir, table+walExt)
}

// OpenWAL opens or creates the log of table and recovers its tail.
func OpenWAL(dir, table string, opts Options) (*WALManager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("OpenWAL: %w", err)
	}

	w := &WALManager{
		table:      table,
		segment:    InitializeWALSegment(Path(dir, table)),
		syncWrites: opts.SyncWrites,
		logger:     logger.Component(opts.Logger, "wal").With("table", table),
	}
	if err := w.segment.Open(); err != nil {
		return nil, fmt.Errorf("OpenWAL: %w", err)
	}

	last, good, err := w.scan(0, nil)
	if err != nil {
		w.segment.Close()
		return nil, fmt.Errorf("OpenWAL: %w", err)
	}
	if good < w.segment.CurrentSize() {
		w.logger.Warn("truncating torn wal tail",
			"valid_bytes", good, "dropped_bytes", w.segment.CurrentSize()-good)
		if err := w.segment.Truncate(good); err != nil {
			w.segment.Close()
			return nil, fmt.Errorf("OpenWAL: failed to truncate torn tail: %w", err)
		}
		if err := w.segment.Sync(); err != nil {
			w.segment.Close()
			return nil, fmt.Errorf("OpenWAL: %w", err)
		}
	}

	w.lastSeq = last
	w.nextSeq = last + 1
	w.logger.Debug("wal opened", "last_seq", last, "size", good)
	return w, nil
}

// scan reads entries from the start of the file and calls fn for those with
// Seq > from. It returns the largest sequence seen and the byte offset just
// past the last valid entry.
func (w *WALManager) scan(from uint64, fn func(Entry) error) (uint64, int64, error) {
	f, err := os.Open(w.segment.FilePath)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	var last uint64
	var offset int64
	for {
		e, size, err := readEntry(r)
		if errors.Is(err, io.EOF) {
			return last, offset, nil
		}
		if errors.Is(err, errTorn) {
			w.logger.Debug("wal scan stopped", "offset", offset, "reason", err)
			return last, offset, nil
		}
		if err != nil {
			return 0, 0, err
		}
		if e.Seq <= last && last != 0 {
			// sequence went backwards: treat the rest as garbage
			w.logger.Warn("non-increasing wal sequence", "offset", offset, "seq", e.Seq, "after", last)
			return last, offset, nil
		}
		last = e.Seq
		offset += size
		if fn != nil && e.Seq > from {
			if err := fn(e); err != nil {
				return last, offset, err
			}
		}
	}
}

// Append assigns the next sequence number to e, writes it and, with
// SyncWrites, fsyncs before returning. On error nothing of e stays in the log.
func (w *WALManager) Append(e *Entry) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.segment == nil {
		return 0, types.ErrClosed
	}

	e.Seq = w.nextSeq
	e.Timestamp = time.Now()
	before := w.segment.CurrentSize()

	if err := w.segment.Append(e.Encode()); err != nil {
		return 0, fmt.Errorf("Append: %w", err)
	}
	if w.syncWrites {
		if err := w.segment.Sync(); err != nil {
			// durability unknown, so the entry must not count
			_ = w.segment.Truncate(before)
			return 0, fmt.Errorf("Append: fsync failed: %w", err)
		}
	}

	w.lastSeq = e.Seq
	w.nextSeq++
	return e.Seq, nil
}

// Abort logs a compensation entry for the entry at target.
func (w *WALManager) Abort(target uint64) (uint64, error) {
	return w.Append(NewAbort(target))
}

// ReplayFunc calls fn for every valid entry with Seq > from, in order.
func (w *WALManager) ReplayFunc(from uint64, fn func(Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.segment == nil {
		return types.ErrClosed
	}
	if _, _, err := w.scan(from, fn); err != nil {
		return fmt.Errorf("ReplayFunc: %w", err)
	}
	return nil
}

// Replay returns every valid entry with Seq > from.
func (w *WALManager) Replay(from uint64) ([]Entry, error) {
	var out []Entry
	err := w.ReplayFunc(from, func(e Entry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// ReplayCommitted is Replay without abort entries and the entries they cancel.
func (w *WALManager) ReplayCommitted(from uint64) ([]Entry, error) {
	all, err := w.Replay(from)
	if err != nil {
		return nil, err
	}
	aborted := make(map[uint64]bool)
	for i := range all {
		if target, ok := all[i].AbortTarget(); ok {
			aborted[target] = true
		}
	}
	out := all[:0]
	for _, e := range all {
		if e.Op == types.OpAbort || aborted[e.Seq] {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Truncate drops every entry with Seq <= upTo. The remaining entries are
// written to a new file which atomically replaces the log.
func (w *WALManager) Truncate(upTo uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.segment == nil {
		return types.ErrClosed
	}

	var keep []byte
	dropped := 0
	_, _, err := w.scan(0, func(e Entry) error {
		if e.Seq <= upTo {
			dropped++
			return nil
		}
		keep = append(keep, e.Encode()...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("Truncate: %w", err)
	}
	if dropped == 0 {
		return nil
	}

	path := w.segment.FilePath
	if err := w.segment.Close(); err != nil {
		return fmt.Errorf("Truncate: %w", err)
	}
	writeErr := fileio.WriteFileAtomic(path, keep)

	w.segment = InitializeWALSegment(path)
	if err := w.segment.Open(); err != nil {
		w.segment = nil
		return fmt.Errorf("Truncate: failed to reopen %s: %w", path, err)
	}
	if writeErr != nil {
		return fmt.Errorf("Truncate: %w", writeErr)
	}

	w.logger.Debug("wal truncated", "up_to", upTo, "dropped", dropped, "remaining_bytes", len(keep))
	return nil
}

// Sync fsyncs the log.
func (w *WALManager) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.segment == nil {
		return types.ErrClosed
	}
	return w.segment.Sync()
}

// LastSeq is the sequence of the most recent entry, surviving truncation.
func (w *WALManager) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

// SetNextSeq makes sure new entries are numbered after seq. It never moves
// the counter backwards; used after a truncated log is reopened and the last
// checkpointed sequence is known only from the checkpoint record.
func (w *WALManager) SetNextSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq+1 > w.nextSeq {
		w.nextSeq = seq + 1
		w.lastSeq = seq
	}
}

// Size is the log file size in bytes.
func (w *WALManager) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.segment == nil {
		return 0
	}
	return w.segment.CurrentSize()
}

func (w *WALManager) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.segment == nil {
		return nil
	}
	err := w.segment.Close()
	w.segment = nil
	return err
}

// Remove deletes the log file of table.
func Remove(dir, table string) error {
	if err := os.Remove(Path(dir, table)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
