package bufferpool

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDisk struct {
	pages map[uint64]string
	reads int
}

func (d *fakeDisk) load(id uint64) (*string, error) {
	d.reads++
	v, ok := d.pages[id]
	if !ok {
		return nil, fmt.Errorf("page %d missing", id)
	}
	return &v, nil
}

func newPool(t *testing.T, d *fakeDisk) *BufferPool[*string] {
	bp, err := NewBufferPool[*string](8, d.load, nil)
	require.NoError(t, err)
	t.Cleanup(bp.Close)
	return bp
}

func TestBufferPoolLoadsOnMiss(t *testing.T) {
	d := &fakeDisk{pages: map[uint64]string{1: "one"}}
	bp := newPool(t, d)

	v, err := bp.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "one", *v)
	assert.Equal(t, 1, d.reads)

	_, err = bp.Get(2)
	assert.Error(t, err)

	stats := bp.GetStats()
	assert.Equal(t, uint64(2), stats.Misses)
}

func TestBufferPoolDirtyWinsOverDisk(t *testing.T) {
	d := &fakeDisk{pages: map[uint64]string{1: "old"}}
	bp := newPool(t, d)

	updated := "new"
	bp.MarkDirty(1, &updated)
	assert.True(t, bp.IsDirty(1))

	v, err := bp.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "new", *v)
	assert.Equal(t, 0, d.reads)
}

func TestBufferPoolFlush(t *testing.T) {
	d := &fakeDisk{pages: map[uint64]string{}}
	bp := newPool(t, d)

	a, b := "a", "b"
	bp.MarkDirty(1, &a)
	bp.MarkDirty(2, &b)

	require.Error(t, bp.Flush(func(map[uint64]*string) error { return errors.New("disk full") }))
	assert.Equal(t, 2, bp.DirtyCount(), "failed flush keeps pages dirty")

	require.NoError(t, bp.Flush(func(pages map[uint64]*string) error {
		for id, v := range pages {
			d.pages[id] = *v
		}
		return nil
	}))
	assert.Equal(t, 0, bp.DirtyCount())
	assert.Equal(t, "b", d.pages[2])

	v, err := bp.Get(2)
	require.NoError(t, err)
	assert.Equal(t, "b", *v)
}

func TestBufferPoolForget(t *testing.T) {
	d := &fakeDisk{pages: map[uint64]string{}}
	bp := newPool(t, d)

	x := "x"
	bp.MarkDirty(5, &x)
	bp.Forget(5)
	assert.False(t, bp.IsDirty(5))
	_, err := bp.Get(5)
	assert.Error(t, err)
}

// Two misses on one page queue two sets for the same id. Whatever ristretto
// keeps of them, the version written by Flush must be the one served after.
func TestFlushedVersionWinsOverQueuedLoads(t *testing.T) {
	d := &fakeDisk{pages: map[uint64]string{}}
	for id := uint64(0); id < 500; id++ {
		d.pages[id] = fmt.Sprintf("v0-%d", id)
	}
	bp := newPool(t, d)

	for id := uint64(0); id < 500; id++ {
		_, err := bp.Get(id)
		require.NoError(t, err)
		v, err := bp.Get(id)
		require.NoError(t, err)

		*v = fmt.Sprintf("v1-%d", id)
		bp.MarkDirty(id, v)
	}
	require.NoError(t, bp.Flush(func(pages map[uint64]*string) error {
		for id, v := range pages {
			d.pages[id] = *v
		}
		return nil
	}))

	for id := uint64(0); id < 500; id++ {
		v, err := bp.Get(id)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("v1-%d", id), *v, "page %d", id)
	}
}

func TestMarkDirtyDropsCachedCopy(t *testing.T) {
	d := &fakeDisk{pages: map[uint64]string{3: "old"}}
	bp := newPool(t, d)

	cached, err := bp.Get(3)
	require.NoError(t, err)
	bp.cache.Wait()

	fresh := "new"
	bp.MarkDirty(3, &fresh)
	bp.cache.Wait()
	_, ok := bp.cache.Get(3)
	assert.False(t, ok, "cache must not keep the pre-write copy")
	assert.Equal(t, "old", *cached)

	v, err := bp.Get(3)
	require.NoError(t, err)
	assert.Equal(t, "new", *v)
}
