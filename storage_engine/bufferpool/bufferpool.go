package bufferpool

import (
	"LineDB/logger"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/ristretto/v2"
)

/*
This file is the main file of the bufferpool.
Lookups go dirty map → ristretto cache → Loader (disk). Every mutation of a page
goes through MarkDirty, which pins the page in the dirty map and drops any
cached copy; ristretto never sees a version until it has been flushed, so an
eviction can never lose a write.

ristretto admits sets asynchronously and rejects a new key that is already
queued, so two misses on one page can leave the older decoded copy in the
cache. Flush therefore deletes each page before setting it: the delete is
queued behind any pending set and the flushed version is the last one in.

Pages are identified by their page id inside one page file; a tree owns one pool.
*/

// NewBufferPool creates a pool caching up to capacity clean pages.
func NewBufferPool[T any](capacity int, load Loader[T], log *slog.Logger) (*BufferPool[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("NewBufferPool: capacity must be positive, got %d", capacity)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[uint64, T]{
		NumCounters:        int64(capacity) * 10,
		MaxCost:            int64(capacity),
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("NewBufferPool: %w", err)
	}

	return &BufferPool[T]{
		cache:    cache,
		dirty:    make(map[uint64]T),
		load:     load,
		capacity: capacity,
		logger:   logger.Component(log, "bufferpool"),
	}, nil
}

// Get returns the page, loading it through the Loader on a miss.
func (bp *BufferPool[T]) Get(pageID uint64) (T, error) {
	bp.mu.RLock()
	if v, ok := bp.dirty[pageID]; ok {
		bp.mu.RUnlock()
		bp.hits.Add(1)
		return v, nil
	}
	bp.mu.RUnlock()

	if v, ok := bp.cache.Get(pageID); ok {
		bp.hits.Add(1)
		return v, nil
	}

	bp.misses.Add(1)
	bp.logger.Debug("miss, loading from disk", "page", pageID)

	v, err := bp.load(pageID)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("bufferpool: failed to load page %d: %w", pageID, err)
	}
	bp.cache.Set(pageID, v, 1)
	return v, nil
}

// MarkDirty records v as the current version of the page. It stays in memory
// until the next successful Flush.
func (bp *BufferPool[T]) MarkDirty(pageID uint64, v T) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if _, ok := bp.dirty[pageID]; !ok {
		bp.cache.Del(pageID)
	}
	bp.dirty[pageID] = v
}

func (bp *BufferPool[T]) IsDirty(pageID uint64) bool {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	_, ok := bp.dirty[pageID]
	return ok
}

// Forget drops every cached version of a freed page.
func (bp *BufferPool[T]) Forget(pageID uint64) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	delete(bp.dirty, pageID)
	bp.cache.Del(pageID)
	bp.cache.Wait()
}

// Flush hands all dirty pages to write. On success they move to the clean
// cache; on failure they stay dirty and the error is returned.
func (bp *BufferPool[T]) Flush(write func(map[uint64]T) error) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if len(bp.dirty) == 0 {
		return nil
	}
	if err := write(bp.dirty); err != nil {
		return fmt.Errorf("bufferpool: flush of %d pages failed: %w", len(bp.dirty), err)
	}

	bp.logger.Debug("flushed dirty pages", "count", len(bp.dirty))
	for id, v := range bp.dirty {
		bp.cache.Del(id)
		bp.cache.Set(id, v, 1)
	}
	// drain the queue so no set from before the flush lands after it
	bp.cache.Wait()
	bp.dirty = make(map[uint64]T)
	return nil
}

// Discard throws away dirty pages and clean cache alike. Used when the owner
// abandons its in-memory state, e.g. after a failed flush during close.
func (bp *BufferPool[T]) Discard() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.dirty = make(map[uint64]T)
	bp.cache.Clear()
}

func (bp *BufferPool[T]) Close() {
	bp.cache.Close()
}
