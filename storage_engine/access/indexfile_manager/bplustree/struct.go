// Structure of B+ Tree
/*
Tree
 ├── Meta page 0 (order, root, height, count, next page id, applied seq, freelist)
 └── Internal Node (keys + child pointers)
        └── Child Internal Nodes ...
               └── Leaf Nodes (keys + values + next pointer)


- keys: sorted ascending order, unique
- internal nodes: children length == len(keys)+1
  children[i] holds keys < keys[i], children[i+1] holds keys >= keys[i]
- leaf nodes: values length == len(keys)
- leaf nodes linked with `next` for range scans, 0 = last leaf
- all leaf nodes at same depth (meta height)
- page 0 is never a node, so a zero page id means "none"

*/
package bplus

import (
	"LineDB/storage_engine/bufferpool"
	diskmanager "LineDB/storage_engine/disk_manager"
	"LineDB/storage_engine/page"
	"LineDB/types"
	"log/slog"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

const (
	DefaultOrder = 32
	MinOrder     = 3
	MaxOrder     = 128

	metaPageID    uint64 = 0
	metaMagic     uint32 = 0x4c425431 // "LBT1"
	formatVersion uint32 = 1

	bodySize              = page.PageSize - page.HeaderSize
	leafEntryOverhead     = 2 + 4 // key len + value len
	internalEntryOverhead = 2 + 8 // key len + child id
)

type Node struct {
	pageID   uint64
	nodeType types.PageType
	keys     [][]byte
	children []uint64 // only for internal node
	values   [][]byte // only for leaf node
	next     uint64   // only for leaf node
}

func (n *Node) isLeaf() bool { return n.nodeType == types.PageLeaf }

type treeMeta struct {
	order      uint64
	root       uint64
	height     uint64
	count      uint64
	nextPageID uint64
	appliedSeq uint64
	free       *roaring.Bitmap
}

// Options tune a tree. Zero values pick defaults.
type Options struct {
	CacheSize int // decoded nodes kept in the buffer pool
	Logger    *slog.Logger
}

type BPlusTree struct {
	path      string
	ownsFile  bool // opened by path, so Compact may replace the file
	store     diskmanager.PageStore
	opts      Options
	pool      *bufferpool.BufferPool[*Node]
	meta      treeMeta
	metaDirty bool
	maxKeys   int
	minKeys   int
	maxEntry  int // byte budget of one encoded entry
	cacheSize int
	flushAt   int // dirty node count that forces a flush
	cmp       func(a, b []byte) int
	logger    *slog.Logger
	closed    bool
	mu        sync.RWMutex // protects tree structure during splits/merges
}

// KV is one key/value pair returned by Range.
type KV struct {
	Key   []byte
	Value []byte
}

// pathFrame records an internal node visited during descent and the child
// index taken out of it.
type pathFrame struct {
	node *Node
	idx  int
}
