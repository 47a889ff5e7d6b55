package conflict

import (
	"LineDB/types"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseState() State {
	return State{
		"r1": {"value": "a", "title": "t"},
		"r2": {"value": "b"},
	}
}

func set(kv ...string) RowChange {
	c := RowChange{Set: map[string]string{}}
	for i := 0; i+1 < len(kv); i += 2 {
		c.Set[kv[i]] = kv[i+1]
	}
	return c
}

func TestDisjointRowsMergeByUnion(t *testing.T) {
	r := NewResolver(RejectAndReport, nil)
	a := ChangeSet{Writer: "w1", Rows: map[string]RowChange{"r1": set("value", "x")}}
	b := ChangeSet{Writer: "w2", Rows: map[string]RowChange{"r3": set("value", "new")}}

	m, err := r.Merge(baseState(), a, b)
	require.NoError(t, err)
	assert.Equal(t, "x", m.Rows["r1"]["value"])
	assert.Equal(t, "t", m.Rows["r1"]["title"])
	assert.Equal(t, map[string]string{"value": "new"}, m.Rows["r3"])
	assert.Nil(t, m.Resolved)
}

func TestDifferentColumnsMergeFieldByField(t *testing.T) {
	r := NewResolver(RejectAndReport, nil)
	a := ChangeSet{Writer: "w1", Rows: map[string]RowChange{"r1": set("value", "x")}}
	b := ChangeSet{Writer: "w2", Rows: map[string]RowChange{"r1": {Set: map[string]string{"lang": "de"}, Unset: []string{"title"}}}}

	m, err := r.Merge(baseState(), a, b)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"value": "x", "lang": "de"}, m.Rows["r1"])
}

func TestSameResultIsNotAConflict(t *testing.T) {
	r := NewResolver(RejectAndReport, nil)
	a := ChangeSet{Writer: "w1", Rows: map[string]RowChange{"r1": set("value", "x"), "r2": {Deleted: true}}}
	b := ChangeSet{Writer: "w2", Rows: map[string]RowChange{"r1": set("value", "x"), "r2": {Deleted: true}}}

	m, err := r.Merge(baseState(), a, b)
	require.NoError(t, err)
	assert.Equal(t, "x", m.Rows["r1"]["value"])
	assert.NotContains(t, m.Rows, "r2")
}

func TestSameColumnRejected(t *testing.T) {
	r := NewResolver(RejectAndReport, nil)
	base := baseState()
	a := ChangeSet{Writer: "w1", Rows: map[string]RowChange{"r1": set("value", "x"), "r2": set("value", "ok")}}
	b := ChangeSet{Writer: "w2", Rows: map[string]RowChange{"r1": set("value", "y")}}

	m, err := r.Merge(base, a, b)
	require.Error(t, err)
	assert.Nil(t, m)
	assert.ErrorIs(t, err, types.ErrConflict)

	var rec *ConflictRecord
	require.True(t, errors.As(err, &rec))
	assert.Equal(t, OutcomeRejected, rec.Outcome)
	require.Len(t, rec.Conflicts, 1)
	assert.Equal(t, FieldConflict{Key: "r1", Column: "value", A: "x", B: "y"}, rec.Conflicts[0])
	assert.Contains(t, rec.Error(), "r1.value")

	assert.Equal(t, baseState(), base, "base untouched")
}

func TestDeleteAgainstEditConflicts(t *testing.T) {
	r := NewResolver(RejectAndReport, nil)
	a := ChangeSet{Writer: "w1", Rows: map[string]RowChange{"r2": {Deleted: true}}}
	b := ChangeSet{Writer: "w2", Rows: map[string]RowChange{"r2": set("value", "z")}}

	_, err := r.Merge(baseState(), a, b)
	var rec *ConflictRecord
	require.ErrorAs(t, err, &rec)
	require.Len(t, rec.Conflicts, 1)
	assert.Equal(t, "", rec.Conflicts[0].Column)
	assert.Equal(t, "<deleted>", rec.Conflicts[0].A)
}

func TestLastWriteWins(t *testing.T) {
	r := NewResolver(LastWriteWins, nil)
	now := time.Now()
	a := ChangeSet{Writer: "w1", Timestamp: now, Rows: map[string]RowChange{
		"r1": set("value", "x", "title", "ta"),
		"r2": {Deleted: true},
	}}
	b := ChangeSet{Writer: "w2", Timestamp: now.Add(time.Millisecond), Rows: map[string]RowChange{
		"r1": set("value", "y"),
		"r2": set("value", "kept"),
	}}

	m, err := r.Merge(baseState(), a, b)
	require.NoError(t, err)
	require.NotNil(t, m.Resolved)
	assert.Equal(t, "w2", m.Resolved.Winner)
	assert.Len(t, m.Resolved.Conflicts, 2)
	assert.Equal(t, map[string]string{"value": "y", "title": "ta"}, m.Rows["r1"])
	assert.Equal(t, map[string]string{"value": "kept"}, m.Rows["r2"])
}

func TestLastWriteWinsTieBreaksOnWriterID(t *testing.T) {
	r := NewResolver(LastWriteWins, nil)
	now := time.Now()
	a := ChangeSet{Writer: "writer-b", Timestamp: now, Rows: map[string]RowChange{"r1": set("value", "from-b")}}
	b := ChangeSet{Writer: "writer-a", Timestamp: now, Rows: map[string]RowChange{"r1": set("value", "from-a")}}

	m, err := r.Merge(baseState(), a, b)
	require.NoError(t, err)
	assert.Equal(t, "writer-b", m.Resolved.Winner)
	assert.Equal(t, "from-b", m.Rows["r1"]["value"])

	// symmetric: swapping the arguments picks the same winner
	m, err = r.Merge(baseState(), b, a)
	require.NoError(t, err)
	assert.Equal(t, "from-b", m.Rows["r1"]["value"])
}

func TestDiffRoundTrip(t *testing.T) {
	base := baseState()
	next := State{
		"r1": {"value": "a", "lang": "en"},
		"r3": {},
	}
	changes := Diff(base, next)
	assert.True(t, changes["r2"].Deleted)
	assert.Equal(t, []string{"title"}, changes["r1"].Unset)
	assert.Equal(t, map[string]string{"lang": "en"}, changes["r1"].Set)
	assert.Equal(t, next, Apply(base, changes))
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("LWW")
	require.NoError(t, err)
	assert.Equal(t, LastWriteWins, s)
	s, err = ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, RejectAndReport, s)
	_, err = ParseStrategy("coin-flip")
	assert.Error(t, err)
}
