package wal_manager

import (
	"LineDB/types"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openWAL(t *testing.T, dir string) *WALManager {
	t.Helper()
	w, err := OpenWAL(dir, "copy", Options{SyncWrites: true})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func put(key, value string) *Entry {
	return &Entry{Op: types.OpPut, Key: []byte(key), New: []byte(value)}
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	w := openWAL(t, dir)

	for i, k := range []string{"a", "b", "c"} {
		seq, err := w.Append(put(k, `{"text":"`+k+`"}`))
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq)
	}
	_, err := w.Append(&Entry{Op: types.OpDelete, Key: []byte("a"), Old: []byte(`{"text":"a"}`)})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w = openWAL(t, dir)
	assert.Equal(t, uint64(4), w.LastSeq())

	all, err := w.Replay(0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, types.OpDelete, all[3].Op)
	assert.Equal(t, []byte(`{"text":"a"}`), all[3].Old)
	assert.Nil(t, all[3].New)

	tail, err := w.Replay(2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(3), tail[0].Seq)
	assert.Equal(t, "c", string(tail[0].Key))

	seq, err := w.Append(put("d", "{}"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), seq, "numbering continues after reopen")
}

func TestReplayIsIdempotent(t *testing.T) {
	w := openWAL(t, t.TempDir())
	for _, k := range []string{"a", "b"} {
		_, err := w.Append(put(k, "{}"))
		require.NoError(t, err)
	}

	first, err := w.Replay(0)
	require.NoError(t, err)
	second, err := w.Replay(0)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestTornEntryIsTruncated(t *testing.T) {
	dir := t.TempDir()
	w := openWAL(t, dir)
	for _, k := range []string{"a", "b", "c"} {
		_, err := w.Append(put(k, `{"text":"value"}`))
		require.NoError(t, err)
	}
	size := w.Size()
	require.NoError(t, w.Close())

	// crash mid-append: half of a fourth entry reaches the disk
	partial := put("d", `{"text":"value"}`)
	partial.Seq = 4
	enc := partial.Encode()
	f, err := os.OpenFile(Path(dir, "copy"), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write(enc[:len(enc)/2])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w = openWAL(t, dir)
	assert.Equal(t, size, w.Size(), "torn tail cut back to the last good entry")
	assert.Equal(t, uint64(3), w.LastSeq())

	seq, err := w.Append(put("d", "{}"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)

	all, err := w.Replay(0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestBadChecksumStopsReplay(t *testing.T) {
	dir := t.TempDir()
	w := openWAL(t, dir)
	for _, k := range []string{"a", "b", "c"} {
		_, err := w.Append(put(k, "{}"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	data, err := os.ReadFile(Path(dir, "copy"))
	require.NoError(t, err)
	entryLen := len(put("a", "{}").Encode())
	data[entryLen+9] ^= 0xff // key length byte of the second entry
	require.NoError(t, os.WriteFile(Path(dir, "copy"), data, 0644))

	w = openWAL(t, dir)
	all, err := w.Replay(0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "a", string(all[0].Key))
	assert.Equal(t, int64(entryLen), w.Size())
}

func TestAbortHidesEntry(t *testing.T) {
	w := openWAL(t, t.TempDir())
	_, err := w.Append(put("a", "{}"))
	require.NoError(t, err)
	failed, err := w.Append(put("b", "{}"))
	require.NoError(t, err)
	_, err = w.Abort(failed)
	require.NoError(t, err)
	_, err = w.Append(put("c", "{}"))
	require.NoError(t, err)

	all, err := w.Replay(0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	target, ok := all[2].AbortTarget()
	require.True(t, ok)
	assert.Equal(t, failed, target)

	committed, err := w.ReplayCommitted(0)
	require.NoError(t, err)
	require.Len(t, committed, 2)
	assert.Equal(t, "a", string(committed[0].Key))
	assert.Equal(t, "c", string(committed[1].Key))
}

func TestTruncateKeepsNumbering(t *testing.T) {
	dir := t.TempDir()
	w := openWAL(t, dir)
	for _, k := range []string{"a", "b", "c", "d"} {
		_, err := w.Append(put(k, "{}"))
		require.NoError(t, err)
	}

	require.NoError(t, w.Truncate(3))
	all, err := w.Replay(0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, uint64(4), all[0].Seq)

	seq, err := w.Append(put("e", "{}"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), seq)

	require.NoError(t, w.Truncate(5))
	require.NoError(t, w.Close())

	// an empty log forgets its numbering until told otherwise
	w = openWAL(t, dir)
	assert.Equal(t, uint64(0), w.LastSeq())
	w.SetNextSeq(5)
	w.SetNextSeq(2)
	seq, err = w.Append(put("f", "{}"))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), seq)
}
