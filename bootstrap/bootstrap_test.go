package bootstrap

import (
	"LineDB/config"
	storageengine "LineDB/storage_engine"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWiresEngine(t *testing.T) {
	dir := t.TempDir()
	cfg := func() *config.Config {
		c := config.DefaultConfig()
		c.DataDir = dir
		c.LogLevel = "error"
		return c
	}

	err := RunWith(cfg, func(se *storageengine.StorageEngine, log *slog.Logger) error {
		require.NotNil(t, log)
		h, err := se.OpenTable("t")
		if err != nil {
			return err
		}
		return h.Put(context.Background(), "a", map[string]string{"value": "1"})
	})
	require.NoError(t, err)

	// the engine was closed, so a second run can open the same directory
	err = RunWith(cfg, func(se *storageengine.StorageEngine, _ *slog.Logger) error {
		stats, err := se.TableStats("t")
		if err != nil {
			return err
		}
		assert.Equal(t, 1, stats.RowCount)
		return nil
	})
	require.NoError(t, err)
}

func TestRunReturnsCallbackError(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("boom")
	err := RunWith(func() *config.Config {
		c := config.DefaultConfig()
		c.DataDir = dir
		c.LogLevel = "error"
		return c
	}, func(*storageengine.StorageEngine, *slog.Logger) error { return boom })
	assert.ErrorIs(t, err, boom)
}
