package diskmanager

import (
	"os"
	"sync"
)

// ############################################# PAGE STORE ##############################################

// PageStore is the only way the rest of the engine touches page files.
// Pages are fixed size; ReadPage returns a private copy and WriteBatch makes a
// set of pages durable as a unit.
type PageStore interface {
	ReadPage(pageID uint64) ([]byte, error)
	WriteBatch(pages map[uint64][]byte) error
	NumPages() uint64
	Path() string
	Size() int64
	Sync() error
	Close() error
}

// ############################################# DISK MANAGER #############################################

// DiskManager is the mmap backed PageStore for one page file.
type DiskManager struct {
	path        string
	journalPath string
	file        *os.File
	data        []byte // MAP_SHARED view of the whole file
	size        int64  // mapped length == file length
	pageSize    int
	closed      bool
	mu          sync.RWMutex
}

// ############################################# MEM STORE ################################################

// MemStore keeps pages in a map. Used by tests and by offline rebuilds that
// never need to survive the process.
type MemStore struct {
	name  string
	pages map[uint64][]byte
	mu    sync.RWMutex
}
