package bufferpool

/*
This file holds helper functions for the bufferpool
*/

// GetStats returns current buffer pool statistics
func (bp *BufferPool[T]) GetStats() BufferPoolStats {
	bp.mu.RLock()
	dirty := len(bp.dirty)
	bp.mu.RUnlock()

	hits, misses := bp.hits.Load(), bp.misses.Load()
	stats := BufferPoolStats{
		Capacity:   bp.capacity,
		DirtyPages: dirty,
		Hits:       hits,
		Misses:     misses,
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

// DirtyCount returns the number of pages waiting for a flush
func (bp *BufferPool[T]) DirtyCount() int {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return len(bp.dirty)
}

// Capacity returns the maximum number of clean pages kept
func (bp *BufferPool[T]) Capacity() int {
	return bp.capacity
}
