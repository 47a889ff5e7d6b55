package storageengine

import (
	lease "LineDB/storage_engine/lease_manager"
	"LineDB/types"
	"context"
	"fmt"
	"maps"
)

/*
TableHandle is the surface the query layer works with. Reads never wait for
the lease: they resolve the key through the index, or through the table file
while the index is stale, and read the row record. Each write takes the lease
for one mutation and hands it to the coordinator.
*/

func (h *TableHandle) Name() string   { return h.t.name }
func (h *TableHandle) Writer() string { return h.writer }

// WithWriter returns a handle on the same table writing as id.
func (h *TableHandle) WithWriter(id string) *TableHandle {
	return &TableHandle{engine: h.engine, t: h.t, writer: id}
}

// Get returns the row stored under exactly key.
func (h *TableHandle) Get(key string) (types.Row, bool, error) {
	t := h.t
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.file == nil {
		return types.Row{}, false, types.ErrClosed
	}
	return t.getLocked(key)
}

func (t *table) getLocked(key string) (types.Row, bool, error) {
	if t.indexStale.Load() {
		return t.file.Get(key)
	}
	ref, ok, err := t.index.Lookup(key)
	if err != nil {
		t.markIndexStale(err)
		return t.file.Get(key)
	}
	if !ok {
		return types.Row{}, false, nil
	}
	return t.readRow(key, ref)
}

func (t *table) readRow(key string, ref types.RowRef) (types.Row, bool, error) {
	rec, err := t.file.ReadAt(ref)
	if err != nil {
		return types.Row{}, false, fmt.Errorf("Get %s: %w", t.name, err)
	}
	if rec.Key != key || rec.Deleted {
		// the index points at a record of another key
		t.markIndexStale(types.NewCorruption(t.file.Path(), -1, "index maps %q to record of %q at %s", key, rec.Key, ref))
		return t.file.Get(key)
	}
	return rec.Row(), true, nil
}

func (t *table) markIndexStale(cause error) {
	if !t.indexStale.Swap(true) {
		t.logger.Error("index unusable, reads use the table file until rebuilt", "error", cause)
	}
}

// Lookup resolves key through its suffix fallback chain
// (key@lang@env, key@lang, key) and returns the most specific row present.
// The returned row carries the key that matched.
func (h *TableHandle) Lookup(key string) (types.Row, bool, error) {
	t := h.t
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.file == nil {
		return types.Row{}, false, types.ErrClosed
	}

	if !t.indexStale.Load() {
		matched, ref, ok, err := t.index.Resolve(key)
		if err == nil {
			if !ok {
				return types.Row{}, false, nil
			}
			return t.readRow(matched, ref)
		}
		t.markIndexStale(err)
	}

	for _, candidate := range types.FallbackChain(key) {
		row, ok, err := t.file.Get(candidate)
		if err != nil || ok {
			return row, ok, err
		}
	}
	return types.Row{}, false, nil
}

// Range returns the rows with start <= key < end in key order. An empty
// bound is unbounded.
func (h *TableHandle) Range(start, end string) ([]types.Row, error) {
	t := h.t
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.file == nil {
		return nil, types.ErrClosed
	}

	if !t.indexStale.Load() {
		entries, err := t.index.Range(start, end)
		if err == nil {
			rows := make([]types.Row, 0, len(entries))
			for _, e := range entries {
				row, ok, err := t.readRow(e.Key, e.Ref)
				if err != nil {
					return nil, err
				}
				if ok {
					rows = append(rows, row)
				}
			}
			return rows, nil
		}
		t.markIndexStale(err)
	}

	var rows []types.Row
	for _, e := range t.file.Entries() {
		if e.Key < start || (end != "" && e.Key >= end) {
			continue
		}
		rec, err := t.file.ReadAt(e.Ref)
		if err != nil {
			return nil, fmt.Errorf("Range %s: %w", t.name, err)
		}
		rows = append(rows, rec.Row())
	}
	return rows, nil
}

// Put stores fields under key, replacing the whole row.
func (h *TableHandle) Put(ctx context.Context, key string, fields map[string]string) error {
	if err := h.checkKey(key); err != nil {
		return err
	}
	if fields == nil {
		fields = map[string]string{}
	}
	_, err := h.write(ctx, types.Mutation{Type: types.OpPut, Key: key, Fields: maps.Clone(fields)})
	return err
}

// Delete removes key and reports whether it existed.
func (h *TableHandle) Delete(ctx context.Context, key string) (bool, error) {
	if err := h.checkKey(key); err != nil {
		return false, err
	}
	res, err := h.write(ctx, types.Mutation{Type: types.OpDelete, Key: key})
	return res.Existed, err
}

func (h *TableHandle) checkKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", types.ErrInvalidKey)
	}
	if limit := h.engine.IndexManager.MaxKeySize(); len(key) > limit {
		return fmt.Errorf("%w: key of %d bytes, limit %d", types.ErrEntryTooLarge, len(key), limit)
	}
	return nil
}

func (h *TableHandle) write(ctx context.Context, m types.Mutation) (types.MutationResult, error) {
	m.Table = h.t.name
	var res types.MutationResult
	c := h.engine.Coordinator
	err := c.WithLease(ctx, h.t.name, h.writer, h.engine.cfg.LeaseTimeout, func(l *lease.WriteLease) error {
		var err error
		res, err = c.EnqueueWrite(ctx, l, m)
		return err
	})
	return res, err
}

// Stats summarizes the table.
func (h *TableHandle) Stats() types.TableStats { return h.t.stats() }

// Snapshot copies every row together with the sequence it reflects. It
// waits for the lease so no write lands halfway through the copy.
func (h *TableHandle) Snapshot(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	err := h.engine.Coordinator.WithLease(ctx, h.t.name, h.writer, h.engine.cfg.LeaseTimeout, func(*lease.WriteLease) error {
		rows, seq, err := h.t.state()
		if err != nil {
			return err
		}
		snap = &Snapshot{Table: h.t.name, Seq: seq, Rows: rows}
		return nil
	})
	return snap, err
}

// Keys lists the live keys in key order.
func (h *TableHandle) Keys() []string {
	t := h.t
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.file == nil {
		return nil
	}
	entries := t.file.Entries()
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}
