package bufferpool

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"
)

// ############################################# BUFFER POOL #############################################

// Loader reads and decodes one page from the page store on a cache miss.
type Loader[T any] func(pageID uint64) (T, error)

// BufferPool caches decoded pages. Clean pages live in a ristretto cache and
// may be dropped at any time; dirty pages live in an authoritative map until a
// Flush writes them out.
type BufferPool[T any] struct {
	cache    *ristretto.Cache[uint64, T]
	dirty    map[uint64]T
	load     Loader[T]
	capacity int
	hits     atomic.Uint64
	misses   atomic.Uint64
	logger   *slog.Logger
	mu       sync.RWMutex
}

// BufferPoolStats is a point-in-time snapshot.
type BufferPoolStats struct {
	Capacity   int
	DirtyPages int
	Hits       uint64
	Misses     uint64
	HitRate    float64
}
