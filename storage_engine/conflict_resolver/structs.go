package conflict

import (
	"LineDB/types"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"
)

// State is a table's rows, key to fields.
type State map[string]map[string]string

// Clone copies the rows and their column maps.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, row := range s {
		out[k] = maps.Clone(row)
	}
	return out
}

type Strategy string

const (
	// RejectAndReport surfaces every unresolved conflict to the caller.
	RejectAndReport Strategy = "reject"
	// LastWriteWins keeps the change set with the later timestamp; equal
	// timestamps go to the larger writer id.
	LastWriteWins Strategy = "lww"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(s)) {
	case RejectAndReport, "":
		return RejectAndReport, nil
	case LastWriteWins, "last-write-wins":
		return LastWriteWins, nil
	default:
		return "", fmt.Errorf("ParseStrategy: unknown conflict strategy %q", s)
	}
}

// RowChange is what one writer did to one row. Deleted removes the row;
// otherwise Set and Unset edit single columns and a missing row is created.
type RowChange struct {
	Deleted bool              `json:"deleted,omitempty"`
	Set     map[string]string `json:"set,omitempty"`
	Unset   []string          `json:"unset,omitempty"`
}

// ChangeSet is the row changes of one writer against a common base.
type ChangeSet struct {
	Writer    string               `json:"writer"`
	Timestamp time.Time            `json:"timestamp"`
	Rows      map[string]RowChange `json:"rows"`
}

// FieldConflict is one row/column both writers changed to different results.
// Column is empty when the conflict is a delete against an edit of the row.
type FieldConflict struct {
	Key    string `json:"key"`
	Column string `json:"column,omitempty"`
	A      string `json:"a"`
	B      string `json:"b"`
}

type Outcome string

const (
	OutcomeRejected Outcome = "rejected"
	OutcomeResolved Outcome = "resolved"
)

// ConflictRecord describes the overlapping writes found by one merge. As an
// error it matches types.ErrConflict.
type ConflictRecord struct {
	Table     string          `json:"table,omitempty"`
	WriterA   string          `json:"writer_a"`
	WriterB   string          `json:"writer_b"`
	Conflicts []FieldConflict `json:"conflicts"`
	Strategy  Strategy        `json:"strategy"`
	Outcome   Outcome         `json:"outcome"`
	Winner    string          `json:"winner,omitempty"`
}

func (c *ConflictRecord) Error() string {
	keys := make([]string, 0, len(c.Conflicts))
	for _, fc := range c.Conflicts {
		if fc.Column == "" {
			keys = append(keys, fc.Key)
		} else {
			keys = append(keys, fc.Key+"."+fc.Column)
		}
	}
	table := c.Table
	if table == "" {
		table = "?"
	}
	return fmt.Sprintf("conflict in %s between %s and %s on %s (%s)",
		table, c.WriterA, c.WriterB, strings.Join(keys, ", "), c.Outcome)
}

func (c *ConflictRecord) Is(target error) bool { return target == types.ErrConflict }

// MergedState is the outcome of a successful merge. Rows is the base with
// the merged changes applied; Resolved is set when a strategy picked winners.
type MergedState struct {
	Rows     State
	Changes  map[string]RowChange
	Resolved *ConflictRecord
}

type Resolver struct {
	strategy Strategy
	logger   *slog.Logger
}
