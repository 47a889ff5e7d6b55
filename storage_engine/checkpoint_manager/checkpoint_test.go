package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	cm, err := NewCheckpointManager(dir, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), cm.LoadCheckpoint("copy").Seq)

	require.NoError(t, cm.SaveCheckpoint("copy", 42, 3))
	require.NoError(t, cm.SaveCheckpoint("assets", 7, 1))
	require.NoError(t, cm.SaveCheckpoint("copy", 50, 4))

	cm, err = NewCheckpointManager(dir, nil)
	require.NoError(t, err)
	cp := cm.LoadCheckpoint("copy")
	assert.Equal(t, uint64(50), cp.Seq)
	assert.Equal(t, uint64(4), cp.Delta)
	assert.NotZero(t, cp.Timestamp)
	assert.Equal(t, []string{"assets", "copy"}, cm.Tables())

	_, err = os.Stat(filepath.Join(dir, checkpointFile+".tmp"))
	assert.True(t, os.IsNotExist(err), "temp file renamed away")
}

func TestDeleteCheckpoint(t *testing.T) {
	dir := t.TempDir()
	cm, err := NewCheckpointManager(dir, nil)
	require.NoError(t, err)
	require.NoError(t, cm.SaveCheckpoint("copy", 5, 1))
	require.NoError(t, cm.DeleteCheckpoint("copy"))
	require.NoError(t, cm.DeleteCheckpoint("missing"))

	cm, err = NewCheckpointManager(dir, nil)
	require.NoError(t, err)
	assert.Empty(t, cm.Tables())
}

func TestUnreadableFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, checkpointFile), []byte("{not json"), 0644))

	cm, err := NewCheckpointManager(dir, nil)
	require.NoError(t, err)
	assert.Empty(t, cm.Tables())
	require.NoError(t, cm.SaveCheckpoint("copy", 1, 1))
}
