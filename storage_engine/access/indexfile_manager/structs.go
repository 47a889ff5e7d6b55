package indexfile

import (
	bplus "LineDB/storage_engine/access/indexfile_manager/bplustree"
	"LineDB/storage_engine/access/indexfile_manager/hashindex"
	"LineDB/types"
	"log/slog"
	"sync"
	"time"
)

const (
	KeyColumn    = "key" // the only indexed column: the row key
	metadataFile = "metadata.json"
	indexExt     = ".idx"
	tmpExt       = ".tmp"
)

// Options configure the Smart Index Manager.
type Options struct {
	Order            int     // B+Tree fan-out
	CacheSize        int     // decoded B+Tree nodes cached per index
	HashThreshold    int     // cardinality at which the B+Tree backend is preferred
	HysteresisMargin float64 // fraction around the threshold where no migration happens
	Logger           *slog.Logger
}

type IndexFileManager struct {
	baseDir string // e.g., /data/indices
	opts    Options
	handles map[string]*IndexHandle // tableName → open handle
	meta    *metadataStore
	logger  *slog.Logger
	mu      sync.RWMutex
}

// IndexHandle is the index over one table's key column. Exactly one backend
// is live at a time; migrations swap it under the handle's write lock.
type IndexHandle struct {
	table   string
	column  string
	path    string // <baseDir>/<table>.idx, used by the B+Tree backend
	mgr     *IndexFileManager
	backend types.BackendKind
	hash    *hashindex.HashIndex
	tree    *bplus.BPlusTree
	// appliedSeq is the last WAL sequence reflected here. The hash backend
	// starts unloaded and must be rebuilt before use.
	appliedSeq  uint64
	loaded      bool
	lastRebuild time.Time
	logger      *slog.Logger
	mu          sync.RWMutex
}

// IndexEntry maps a key to the location of its current row version.
type IndexEntry struct {
	Key string
	Ref types.RowRef
}

// IndexMetadata is one record of indices/metadata.json.
type IndexMetadata struct {
	Table         string            `json:"table"`
	Column        string            `json:"column"`
	Backend       types.BackendKind `json:"backend"`
	RowCount      int               `json:"row_count"`
	Threshold     int               `json:"threshold"`
	Margin        float64           `json:"margin"`
	AppliedSeq    uint64            `json:"applied_seq"`
	LastRebuild   time.Time         `json:"last_rebuild"`
	LastMigration time.Time         `json:"last_migration,omitempty"`
}
