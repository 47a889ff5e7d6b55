package conflict

import (
	"LineDB/logger"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
)

/*
Row level three way merge.

	base ──a──▶ A
	   └──b──▶ B

Rows touched by only one writer are taken as they are. When both touched a row,
each column is merged on its own: a column changed by one side only, or changed
to the same result by both, merges cleanly. A column both sides changed to
different results is a conflict, and so is deleting a row the other side edited.

With RejectAndReport any conflict fails the whole merge and nothing of either
change set is applied. With LastWriteWins the later writer's side of every
conflicting column (or row) is kept and the decision is returned in
MergedState.Resolved.
*/

func NewResolver(strategy Strategy, log *slog.Logger) *Resolver {
	if strategy == "" {
		strategy = RejectAndReport
	}
	return &Resolver{strategy: strategy, logger: logger.Component(log, "conflict")}
}

func (r *Resolver) Strategy() Strategy { return r.strategy }

// winnerIsA orders two change sets for LastWriteWins.
func winnerIsA(a, b ChangeSet) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.Writer > b.Writer
}

// Merge combines two change sets made against base. On an unresolved
// conflict the error is a *ConflictRecord.
func (r *Resolver) Merge(base State, a, b ChangeSet) (*MergedState, error) {
	merged := make(map[string]RowChange, len(a.Rows)+len(b.Rows))
	var conflicts []FieldConflict
	type pending struct {
		key string
		col string
	}
	var picks []pending

	for _, key := range unionKeys(a.Rows, b.Rows) {
		ca, inA := a.Rows[key]
		cb, inB := b.Rows[key]
		switch {
		case inA && !inB:
			merged[key] = ca
			continue
		case inB && !inA:
			merged[key] = cb
			continue
		}

		row, exists := base[key]
		resA, okA := applyRow(row, exists, ca)
		resB, okB := applyRow(row, exists, cb)

		if ca.Deleted || cb.Deleted {
			if okA == okB && (!okA || maps.Equal(resA, resB)) {
				merged[key] = ca
				continue
			}
			conflicts = append(conflicts, FieldConflict{Key: key, A: describe(resA, okA), B: describe(resB, okB)})
			picks = append(picks, pending{key: key})
			continue
		}

		out := RowChange{Set: map[string]string{}}
		for _, col := range unionColumns(ca, cb) {
			va, touchedA := columnResult(ca, col)
			vb, touchedB := columnResult(cb, col)
			var pick columnValue
			switch {
			case touchedA && !touchedB:
				pick = va
			case touchedB && !touchedA:
				pick = vb
			case va == vb:
				pick = va
			default:
				conflicts = append(conflicts, FieldConflict{Key: key, Column: col, A: va.String(), B: vb.String()})
				picks = append(picks, pending{key: key, col: col})
				continue
			}
			pick.into(&out, col)
		}
		merged[key] = out
	}

	var resolved *ConflictRecord
	if len(conflicts) > 0 {
		rec := &ConflictRecord{
			WriterA:   a.Writer,
			WriterB:   b.Writer,
			Conflicts: conflicts,
			Strategy:  r.strategy,
			Outcome:   OutcomeRejected,
		}
		if r.strategy != LastWriteWins {
			r.logger.Warn("merge rejected", "writer_a", a.Writer, "writer_b", b.Writer, "conflicts", len(conflicts))
			return nil, rec
		}

		win := b
		if winnerIsA(a, b) {
			win = a
		}
		rec.Outcome = OutcomeResolved
		rec.Winner = win.Writer
		for _, p := range picks {
			wc := win.Rows[p.key]
			if p.col == "" || wc.Deleted {
				merged[p.key] = wc
				continue
			}
			cur := merged[p.key]
			if cur.Deleted {
				continue
			}
			if v, ok := columnResult(wc, p.col); ok {
				v.into(&cur, p.col)
			}
			merged[p.key] = cur
		}
		resolved = rec
		r.logger.Info("conflicts resolved by last write", "winner", win.Writer, "conflicts", len(conflicts))
	}

	return &MergedState{
		Rows:     Apply(base, merged),
		Changes:  merged,
		Resolved: resolved,
	}, nil
}

// Apply returns base with changes applied; base is not modified.
func Apply(base State, changes map[string]RowChange) State {
	out := make(State, len(base))
	for k, v := range base {
		out[k] = v
	}
	for key, c := range changes {
		row, exists := base[key]
		if res, ok := applyRow(row, exists, c); ok {
			out[key] = res
		} else {
			delete(out, key)
		}
	}
	return out
}

// Diff derives the change set that turns base into next.
func Diff(base, next State) map[string]RowChange {
	changes := make(map[string]RowChange)
	for key := range base {
		if _, ok := next[key]; !ok {
			changes[key] = RowChange{Deleted: true}
		}
	}
	for key, fields := range next {
		old, existed := base[key]
		if existed && maps.Equal(old, fields) {
			continue
		}
		c := RowChange{Set: map[string]string{}}
		for col, v := range fields {
			if ov, ok := old[col]; !ok || ov != v {
				c.Set[col] = v
			}
		}
		for col := range old {
			if _, ok := fields[col]; !ok {
				c.Unset = append(c.Unset, col)
			}
		}
		sort.Strings(c.Unset)
		changes[key] = c
	}
	return changes
}

func applyRow(row map[string]string, exists bool, c RowChange) (map[string]string, bool) {
	if c.Deleted {
		return nil, false
	}
	out := make(map[string]string, len(row)+len(c.Set))
	if exists {
		maps.Copy(out, row)
	}
	for _, col := range c.Unset {
		delete(out, col)
	}
	maps.Copy(out, c.Set)
	return out, true
}

type columnValue struct {
	value   string
	present bool
}

func (v columnValue) String() string {
	if !v.present {
		return "<unset>"
	}
	return v.value
}

func (v columnValue) into(c *RowChange, col string) {
	if v.present {
		if c.Set == nil {
			c.Set = map[string]string{}
		}
		c.Set[col] = v.value
		return
	}
	c.Unset = append(c.Unset, col)
}

// columnResult reports what a change does to one column, if anything.
func columnResult(c RowChange, col string) (columnValue, bool) {
	if v, ok := c.Set[col]; ok {
		return columnValue{value: v, present: true}, true
	}
	if slices.Contains(c.Unset, col) {
		return columnValue{}, true
	}
	return columnValue{}, false
}

func describe(row map[string]string, exists bool) string {
	if !exists {
		return "<deleted>"
	}
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c+"="+row[c])
	}
	sort.Strings(cols)
	return "{" + strings.Join(cols, ",") + "}"
}

func unionKeys(a, b map[string]RowChange) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func unionColumns(a, b RowChange) []string {
	seen := map[string]bool{}
	var cols []string
	add := func(c string) {
		if !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	for c := range a.Set {
		add(c)
	}
	for _, c := range a.Unset {
		add(c)
	}
	for c := range b.Set {
		add(c)
	}
	for _, c := range b.Unset {
		add(c)
	}
	sort.Strings(cols)
	return cols
}
