package storageengine

import (
	conflict "LineDB/storage_engine/conflict_resolver"
	lease "LineDB/storage_engine/lease_manager"
	"LineDB/types"
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"
)

/*
Optimistic change sets. A writer takes a Snapshot, edits its copy without
holding the lease and commits the difference with CommitChangeSet. Under the
lease the engine diffs the snapshot against the current rows ("theirs",
attributed to the last applied writer) and merges both sides with the
resolver. A ConflictRecord leaves the table exactly as it was.
*/

// ChangeSet diffs edited against the snapshot rows.
func (s *Snapshot) ChangeSet(writer string, edited conflict.State) conflict.ChangeSet {
	return conflict.ChangeSet{
		Writer:    writer,
		Timestamp: time.Now(),
		Rows:      conflict.Diff(s.Rows, edited),
	}
}

// state reads every live row and the sequence they reflect.
func (t *table) state() (conflict.State, uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.file == nil {
		return nil, 0, types.ErrClosed
	}
	rows, err := t.file.Rows()
	if err != nil {
		return nil, 0, err
	}
	out := make(conflict.State, len(rows))
	for k, r := range rows {
		out[k] = maps.Clone(r.Fields)
		if out[k] == nil {
			out[k] = map[string]string{}
		}
	}
	return out, t.file.AppliedSeq(), nil
}

// CommitChangeSet merges cs, made against snap, with whatever was written
// since snap and applies the result. On an unresolved conflict it returns the
// *conflict.ConflictRecord and writes nothing.
func (se *StorageEngine) CommitChangeSet(ctx context.Context, snap *Snapshot, cs conflict.ChangeSet) (*conflict.MergedState, error) {
	if snap == nil {
		return nil, fmt.Errorf("CommitChangeSet: nil snapshot")
	}
	t, err := se.table(snap.Table)
	if err != nil {
		return nil, err
	}
	if cs.Writer == "" {
		cs.Writer = se.writerID
	}
	if cs.Timestamp.IsZero() {
		cs.Timestamp = time.Now()
	}

	var merged *conflict.MergedState
	c := se.Coordinator
	err = c.WithLease(ctx, snap.Table, cs.Writer, se.cfg.LeaseTimeout, func(l *lease.WriteLease) error {
		current, seq, err := t.state()
		if err != nil {
			return err
		}

		theirs := conflict.ChangeSet{Rows: conflict.Diff(snap.Rows, current)}
		if last := t.last.Load(); last != nil {
			theirs.Writer, theirs.Timestamp = last.writer, last.at
		}

		res, err := se.Resolver.Merge(snap.Rows, theirs, cs)
		if err != nil {
			var rec *conflict.ConflictRecord
			if errors.As(err, &rec) {
				rec.Table = snap.Table
				t.logger.Warn("change set rejected",
					"writer", cs.Writer, "against", theirs.Writer, "conflicts", len(rec.Conflicts),
					"snapshot_seq", snap.Seq, "current_seq", seq)
			}
			return err
		}

		for _, mut := range mutationsBetween(current, res.Rows) {
			if _, err := c.EnqueueWrite(ctx, l, mut); err != nil {
				return fmt.Errorf("CommitChangeSet: %s %q: %w", mut.Type, mut.Key, err)
			}
		}
		merged = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// mutationsBetween lists the puts and deletes that turn current into next, in key order.
func mutationsBetween(current, next conflict.State) []types.Mutation {
	keys := make([]string, 0, len(current)+len(next))
	for k := range current {
		keys = append(keys, k)
	}
	for k := range next {
		if _, ok := current[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var out []types.Mutation
	for _, k := range keys {
		cur, had := current[k]
		row, keep := next[k]
		switch {
		case keep && (!had || !maps.Equal(cur, row)):
			out = append(out, types.Mutation{Type: types.OpPut, Key: k, Fields: maps.Clone(row)})
		case !keep && had:
			out = append(out, types.Mutation{Type: types.OpDelete, Key: k})
		}
	}
	return out
}
