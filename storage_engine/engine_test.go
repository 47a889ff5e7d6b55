package storageengine

import (
	"LineDB/config"
	"LineDB/logger"
	tablefile "LineDB/storage_engine/access/tablefile_manager"
	conflict "LineDB/storage_engine/conflict_resolver"
	lease "LineDB/storage_engine/lease_manager"
	"LineDB/storage_engine/wal_manager"
	"LineDB/types"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(dir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.SyncWrites = false
	cfg.LeaseTimeout = 2 * time.Second
	return cfg
}

func openEngine(t *testing.T, cfg *config.Config, opts ...Option) *StorageEngine {
	t.Helper()
	opts = append([]Option{
		WithLogger(logger.Discard()),
		WithLeaseProvider(lease.NewMemoryLeaseProvider()),
	}, opts...)
	se, err := Open(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { se.Close() })
	return se
}

func openHandle(t *testing.T, se *StorageEngine, name string) *TableHandle {
	t.Helper()
	h, err := se.OpenTable(name)
	require.NoError(t, err)
	return h
}

func row(v string) map[string]string { return map[string]string{"value": v} }

func rowKey(i int) string { return fmt.Sprintf("app.k%05d", i) }

func requireValue(t *testing.T, h *TableHandle, key, want string) {
	t.Helper()
	got, ok, err := h.Get(key)
	require.NoError(t, err)
	require.True(t, ok, "key %s missing", key)
	assert.Equal(t, want, got.Fields["value"], "key %s", key)
}

func TestPutGetDeleteReopen(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	se := openEngine(t, cfg)
	h := openHandle(t, se, "translations")

	require.NoError(t, h.Put(ctx, "site.title", row("Title")))
	require.NoError(t, h.Put(ctx, "site.footer", row("Footer")))
	require.NoError(t, h.Put(ctx, "site.title", row("Better title")))
	requireValue(t, h, "site.title", "Better title")

	existed, err := h.Delete(ctx, "site.footer")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = h.Delete(ctx, "site.footer")
	require.NoError(t, err)
	assert.False(t, existed)

	_, ok, err := h.Get("site.footer")
	require.NoError(t, err)
	assert.False(t, ok)

	stats := h.Stats()
	assert.Equal(t, 1, stats.RowCount)
	assert.Equal(t, types.BackendHash, stats.Backend)
	assert.Equal(t, uint64(4), stats.AppliedSeq)
	require.NoError(t, se.Close())

	se = openEngine(t, cfg)
	h = openHandle(t, se, "translations")
	requireValue(t, h, "site.title", "Better title")
	_, ok, err = h.Get("site.footer")
	require.NoError(t, err)
	assert.False(t, ok)

	names, err := se.Tables()
	require.NoError(t, err)
	assert.Equal(t, []string{"translations"}, names)
}

func TestPutRejectsBadKeys(t *testing.T) {
	se := openEngine(t, testConfig(t.TempDir()))
	h := openHandle(t, se, "t")

	err := h.Put(context.Background(), "", row("x"))
	assert.ErrorIs(t, err, types.ErrInvalidKey)

	long := string(bytes.Repeat([]byte("k"), se.IndexManager.MaxKeySize()+1))
	err = h.Put(context.Background(), long, row("x"))
	assert.ErrorIs(t, err, types.ErrEntryTooLarge)

	_, err = se.OpenTable("../escape")
	assert.Error(t, err)
}

func TestLookupFollowsFallbackChain(t *testing.T) {
	ctx := context.Background()
	se := openEngine(t, testConfig(t.TempDir()))
	h := openHandle(t, se, "translations")

	require.NoError(t, h.Put(ctx, "site.title", row("Title")))
	got, ok, err := h.Lookup("site.title@de@prod")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "site.title", got.Key)

	require.NoError(t, h.Put(ctx, "site.title@de", row("Titel")))
	got, ok, err = h.Lookup("site.title@de@prod")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "site.title@de", got.Key)
	assert.Equal(t, "Titel", got.Fields["value"])

	_, ok, err = h.Lookup("site.missing@de")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentWritersOnDisjointKeys(t *testing.T) {
	se := openEngine(t, testConfig(t.TempDir()))
	base := openHandle(t, se, "t")
	writers := []*TableHandle{base.WithWriter("w1"), base.WithWriter("w2")}

	const perWriter = 50
	var wg sync.WaitGroup
	errs := make(chan error, len(writers)*perWriter)
	for w, h := range writers {
		wg.Add(1)
		go func(w int, h *TableHandle) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("w%d.k%03d", w, i)
				if err := h.Put(context.Background(), key, row(key)); err != nil {
					errs <- err
				}
			}
		}(w, h)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 2*perWriter, base.Stats().RowCount)
	for w := range writers {
		for i := 0; i < perWriter; i++ {
			key := fmt.Sprintf("w%d.k%03d", w, i)
			requireValue(t, base, key, key)
		}
	}
}

func TestWALEntryWithoutRowIsReplayed(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	se := openEngine(t, cfg)
	h := openHandle(t, se, "t")
	require.NoError(t, h.Put(ctx, "a", row("1")))
	require.NoError(t, h.Put(ctx, "b", row("2")))
	require.NoError(t, se.Close())

	// a write that reached the WAL but not the table file
	w, err := wal_manager.OpenWAL(cfg.DataDir, "t", wal_manager.Options{})
	require.NoError(t, err)
	newImage, err := wal_manager.EncodeFields(row("3"), true)
	require.NoError(t, err)
	seq, err := w.Append(&wal_manager.Entry{Op: types.OpPut, Key: []byte("c"), New: newImage})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
	require.NoError(t, w.Close())

	for i := 0; i < 2; i++ {
		se = openEngine(t, cfg)
		h = openHandle(t, se, "t")
		requireValue(t, h, "c", "3")
		stats := h.Stats()
		assert.Equal(t, 3, stats.RowCount)
		assert.Equal(t, uint64(3), stats.AppliedSeq)

		rows, err := h.Range("", "")
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.Equal(t, "c", rows[2].Key)
		require.NoError(t, se.Close())
	}
}

func TestAbortedWALEntryIsNotReplayed(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	se := openEngine(t, cfg)
	h := openHandle(t, se, "t")
	require.NoError(t, h.Put(ctx, "a", row("1")))
	require.NoError(t, se.Close())

	w, err := wal_manager.OpenWAL(cfg.DataDir, "t", wal_manager.Options{})
	require.NoError(t, err)
	newImage, err := wal_manager.EncodeFields(row("lost"), true)
	require.NoError(t, err)
	seq, err := w.Append(&wal_manager.Entry{Op: types.OpPut, Key: []byte("b"), New: newImage})
	require.NoError(t, err)
	_, err = w.Abort(seq)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	se = openEngine(t, cfg)
	h = openHandle(t, se, "t")
	_, ok, err := h.Get("b")
	require.NoError(t, err)
	assert.False(t, ok)

	// numbering continues after the aborted entries
	require.NoError(t, h.Put(ctx, "c", row("3")))
	assert.Equal(t, uint64(4), h.Stats().AppliedSeq)
}

func TestIndexMigratesToBTreeAsTableGrows(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	se := openEngine(t, cfg)
	h := openHandle(t, se, "big")

	for i := 0; i < 1199; i++ {
		require.NoError(t, h.Put(ctx, rowKey(i), row(rowKey(i))))
	}
	assert.Equal(t, types.BackendHash, h.Stats().Backend)

	require.NoError(t, h.Put(ctx, rowKey(1199), row(rowKey(1199))))
	assert.Equal(t, types.BackendBTree, h.Stats().Backend)

	rows, err := h.Range(rowKey(100), rowKey(200))
	require.NoError(t, err)
	require.Len(t, rows, 100)
	for i, r := range rows {
		assert.Equal(t, rowKey(100+i), r.Key)
		assert.Equal(t, rowKey(100+i), r.Fields["value"])
	}

	all, err := h.Range("", "")
	require.NoError(t, err)
	assert.Len(t, all, 1200)
	require.NoError(t, se.Close())

	// the tree is persisted and matches the table, no rebuild needed
	se = openEngine(t, cfg)
	h = openHandle(t, se, "big")
	assert.Equal(t, types.BackendBTree, h.Stats().Backend)
	requireValue(t, h, rowKey(777), rowKey(777))
}

func TestReadersSeeLatestRowWithSmallNodeCache(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	cfg.BTreeOrder = 8
	cfg.PageCacheSize = 16
	se := openEngine(t, cfg)
	h := openHandle(t, se, "translations")

	const keys = 1500
	published := make([]atomic.Int64, keys)
	for i := 0; i < keys; i++ {
		require.NoError(t, h.Put(ctx, rowKey(i), row("0")))
	}
	require.Equal(t, types.BackendBTree, h.Stats().Backend)

	var done atomic.Bool
	var stale atomic.Int64
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for n := r; !done.Load(); n += 7 {
				i := n % keys
				want := published[i].Load()
				got, ok, err := h.Get(rowKey(i))
				if !assert.NoError(t, err) || !assert.True(t, ok, "key %d", i) {
					return
				}
				if v, _ := strconv.ParseInt(got.Fields["value"], 10, 64); v < want {
					stale.Add(1)
				}
			}
		}(r)
	}

	for w := 1; w <= 4000; w++ {
		i := (w * 37) % keys
		next := published[i].Load() + 1
		require.NoError(t, h.Put(ctx, rowKey(i), row(strconv.FormatInt(next, 10))))
		published[i].Store(next)
	}
	done.Store(true)
	wg.Wait()

	assert.Zero(t, stale.Load(), "reads returned rows older than a finished Put")
	for i := 0; i < keys; i++ {
		requireValue(t, h, rowKey(i), strconv.FormatInt(published[i].Load(), 10))
	}
	assert.False(t, h.t.indexStale.Load())
}

func TestCheckpointWritesDeltaAndTruncatesWAL(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	se := openEngine(t, cfg)
	h := openHandle(t, se, "t")

	for i := 0; i < 10; i++ {
		require.NoError(t, h.Put(ctx, rowKey(i), row("v1")))
	}
	d, err := se.Checkpoint(ctx, "t")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, uint64(1), d.N)
	assert.Equal(t, uint64(1), d.FromSeq)
	assert.Equal(t, uint64(10), d.ToSeq)
	assert.Len(t, d.Entries, 10)

	info, err := os.Stat(wal_manager.Path(cfg.DataDir, "t"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	d, err = se.Checkpoint(ctx, "t")
	require.NoError(t, err)
	assert.Nil(t, d)

	require.NoError(t, h.Put(ctx, rowKey(0), row("v2")))
	_, err = h.Delete(ctx, rowKey(1))
	require.NoError(t, err)
	d, err = se.Checkpoint(ctx, "t")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, uint64(2), d.N)
	assert.Equal(t, uint64(11), d.FromSeq)
	assert.Equal(t, uint64(12), d.ToSeq)
	assert.Len(t, d.Entries, 2)

	stats := h.Stats()
	assert.Equal(t, uint64(12), stats.Checkpoint)
	assert.Equal(t, 2, stats.Deltas)
	assert.Equal(t, 9, stats.RowCount)
	require.NoError(t, se.Close())

	// numbering survives the truncated WAL
	se = openEngine(t, cfg)
	h = openHandle(t, se, "t")
	require.NoError(t, h.Put(ctx, rowKey(50), row("v1")))
	assert.Equal(t, uint64(13), h.Stats().AppliedSeq)
}

func TestAutomaticCheckpointAndPrune(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	cfg.CheckpointEvery = 5
	cfg.DeltaRetention = 2
	se := openEngine(t, cfg)
	h := openHandle(t, se, "t")

	for i := 0; i < 22; i++ {
		require.NoError(t, h.Put(ctx, rowKey(i%7), row(fmt.Sprintf("v%d", i))))
	}
	stats := h.Stats()
	assert.Equal(t, uint64(20), stats.Checkpoint)
	assert.Equal(t, 2, stats.Deltas)

	// a rebuild from the pruned chain plus the WAL tail gives the same rows
	before, err := h.Range("", "")
	require.NoError(t, err)
	require.NoError(t, se.Rebuild(ctx, "t"))
	after, err := h.Range("", "")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, uint64(22), h.Stats().AppliedSeq)
}

func TestCorruptTableFileIsRebuiltFromDeltas(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	se := openEngine(t, cfg)
	h := openHandle(t, se, "t")
	for i := 0; i < 20; i++ {
		if i == 10 {
			_, err := se.Checkpoint(ctx, "t")
			require.NoError(t, err)
		}
		require.NoError(t, h.Put(ctx, rowKey(i), row(fmt.Sprintf("value-%03d", i))))
	}
	require.NoError(t, se.Close())

	// damage the first record without fixing its checksum
	path := tablefile.Path(cfg.DataDir, "t")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	damaged := bytes.Replace(data, []byte("value-000"), []byte("value-XXX"), 1)
	require.NotEqual(t, data, damaged)
	require.NoError(t, os.WriteFile(path, damaged, 0644))

	strict := *cfg
	strict.AutoRebuild = false
	se = openEngine(t, &strict)
	_, err = se.OpenTable("t")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCorruption)
	require.NoError(t, se.Close())

	se = openEngine(t, cfg)
	h = openHandle(t, se, "t")
	assert.FileExists(t, path+corruptExt)
	assert.Equal(t, 20, h.Stats().RowCount)
	for i := 0; i < 20; i++ {
		requireValue(t, h, rowKey(i), fmt.Sprintf("value-%03d", i))
	}
}

func TestConflictingChangeSetLeavesTableUnchanged(t *testing.T) {
	ctx := context.Background()
	se := openEngine(t, testConfig(t.TempDir()))
	h := openHandle(t, se, "t")
	require.NoError(t, h.Put(ctx, "r1", map[string]string{"value": "base", "note": "n"}))

	snapA, err := h.Snapshot(ctx)
	require.NoError(t, err)
	snapB, err := h.Snapshot(ctx)
	require.NoError(t, err)

	editA := snapA.Rows.Clone()
	editA["r1"]["value"] = "from A"
	_, err = se.CommitChangeSet(ctx, snapA, snapA.ChangeSet("writer-a", editA))
	require.NoError(t, err)

	editB := snapB.Rows.Clone()
	editB["r1"]["value"] = "from B"
	_, err = se.CommitChangeSet(ctx, snapB, snapB.ChangeSet("writer-b", editB))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConflict)

	var rec *conflict.ConflictRecord
	require.True(t, errors.As(err, &rec))
	assert.Equal(t, "t", rec.Table)
	assert.Equal(t, "writer-a", rec.WriterA)
	assert.Equal(t, "writer-b", rec.WriterB)
	require.Len(t, rec.Conflicts, 1)
	assert.Equal(t, "r1", rec.Conflicts[0].Key)
	assert.Equal(t, "value", rec.Conflicts[0].Column)

	requireValue(t, h, "r1", "from A")
}

func TestChangeSetsOnDifferentColumnsMerge(t *testing.T) {
	ctx := context.Background()
	se := openEngine(t, testConfig(t.TempDir()))
	h := openHandle(t, se, "t")
	require.NoError(t, h.Put(ctx, "r1", map[string]string{"value": "base", "note": "n"}))
	require.NoError(t, h.Put(ctx, "r2", row("gone soon")))

	snap, err := h.Snapshot(ctx)
	require.NoError(t, err)

	// someone else edits a column directly
	require.NoError(t, h.WithWriter("direct").Put(ctx, "r1", map[string]string{"value": "base", "note": "edited"}))

	edit := snap.Rows.Clone()
	edit["r1"]["value"] = "changed"
	delete(edit, "r2")
	edit["r3"] = row("new")
	merged, err := se.CommitChangeSet(ctx, snap, snap.ChangeSet("offline", edit))
	require.NoError(t, err)
	assert.Nil(t, merged.Resolved)

	got, ok, err := h.Get("r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"value": "changed", "note": "edited"}, got.Fields)
	_, ok, err = h.Get("r2")
	require.NoError(t, err)
	assert.False(t, ok)
	requireValue(t, h, "r3", "new")
}

func TestLastWriteWinsResolvesConflict(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	cfg.ConflictStrategy = string(conflict.LastWriteWins)
	se := openEngine(t, cfg)
	h := openHandle(t, se, "t")
	require.NoError(t, h.Put(ctx, "r1", row("base")))

	snap, err := h.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, h.WithWriter("early").Put(ctx, "r1", row("early")))

	edit := snap.Rows.Clone()
	edit["r1"]["value"] = "late"
	cs := snap.ChangeSet("late", edit)
	cs.Timestamp = time.Now().Add(time.Hour)
	merged, err := se.CommitChangeSet(ctx, snap, cs)
	require.NoError(t, err)
	require.NotNil(t, merged.Resolved)
	assert.Equal(t, "late", merged.Resolved.Winner)
	requireValue(t, h, "r1", "late")
}

func TestEnginesSharingADataDir(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	provider := lease.NewMemoryLeaseProvider()
	se1 := openEngine(t, cfg, WithLeaseProvider(provider), WithWriterID("one"))
	se2 := openEngine(t, cfg, WithLeaseProvider(provider), WithWriterID("two"))

	h1 := openHandle(t, se1, "t")
	require.NoError(t, h1.Put(ctx, "a", row("1")))

	h2 := openHandle(t, se2, "t")
	requireValue(t, h2, "a", "1")
	require.NoError(t, h2.Put(ctx, "b", row("2")))

	// the next write of se1 notices the foreign write and reloads first
	require.NoError(t, h1.Put(ctx, "c", row("3")))
	requireValue(t, h1, "b", "2")
	stats := h1.Stats()
	assert.Equal(t, 3, stats.RowCount)
	assert.Equal(t, uint64(3), stats.AppliedSeq)
}

func TestFileLeaseProviderByDefault(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	se, err := Open(cfg, WithLogger(logger.Discard()))
	require.NoError(t, err)
	defer se.Close()

	h := openHandle(t, se, "t")
	require.NoError(t, h.Put(ctx, "a", row("1")))
	requireValue(t, h, "a", "1")
	assert.FileExists(t, filepath.Join(cfg.DataDir, "t.lock"))
	assert.Contains(t, h.Stats().String(), "t")
}

func TestClosedEngineRejectsWork(t *testing.T) {
	se := openEngine(t, testConfig(t.TempDir()))
	h := openHandle(t, se, "t")
	require.NoError(t, se.Close())

	_, err := se.OpenTable("t")
	assert.ErrorIs(t, err, types.ErrClosed)
	_, _, err = h.Get("a")
	assert.ErrorIs(t, err, types.ErrClosed)
	assert.Error(t, h.Put(context.Background(), "a", row("1")))
}
