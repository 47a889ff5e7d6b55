package storageengine

import (
	indexfile "LineDB/storage_engine/access/indexfile_manager"
	tablefile "LineDB/storage_engine/access/tablefile_manager"
	checkpoint "LineDB/storage_engine/checkpoint_manager"
	conflict "LineDB/storage_engine/conflict_resolver"
	lease "LineDB/storage_engine/lease_manager"
	version "LineDB/storage_engine/version_manager"
	"LineDB/storage_engine/wal_manager"
	"LineDB/config"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	indexDir   = "indices"
	corruptExt = ".corrupt" // a table file that failed to load is moved aside under this suffix

	// table files are compacted at checkpoint once superseded records
	// outnumber live rows and exceed this count
	compactMinGarbage = 64
)

type StorageEngine struct {
	cfg     *config.Config
	dataDir string

	IndexManager      *indexfile.IndexFileManager
	CheckpointManager *checkpoint.CheckpointManager
	Coordinator       *lease.Coordinator
	Resolver          *conflict.Resolver

	provider lease.LeaseProvider
	writerID string       // default writer of handles returned by OpenTable
	root     *slog.Logger // handed to the managers, which tag their own component
	logger   *slog.Logger

	tables map[string]*table
	closed bool
	mu     sync.RWMutex
}

// table is the open state of one table. Every mutation of it runs under the
// table's lease. Readers and the applier hold mu shared; it is taken
// exclusively only while files are swapped (recovery, rebuild, checkpoint).
type table struct {
	name   string
	engine *StorageEngine

	// closed once the first open finished; openErr is its outcome
	ready   chan struct{}
	openErr error

	file   *tablefile.TableFile
	wal    *wal_manager.WALManager
	deltas *version.VersionManager
	index  *indexfile.IndexHandle

	indexStale      atomic.Bool  // index failed to follow the table; reads go to the table file
	sinceCheckpoint atomic.Int64 // applied entries not yet in the delta chain

	// last applied write, the "other side" of an optimistic change set merge
	last atomic.Pointer[writeMark]

	logger *slog.Logger
	mu     sync.RWMutex
}

type writeMark struct {
	writer string
	at     time.Time
}

// TableHandle is the read/write surface of one table for one writer id.
type TableHandle struct {
	engine *StorageEngine
	t      *table
	writer string
}

// Snapshot is a consistent copy of a table's rows, the base of a change set.
type Snapshot struct {
	Table string
	Seq   uint64
	Rows  conflict.State
}

// Option customizes Open.
type Option func(*engineOptions)

type engineOptions struct {
	logger   *slog.Logger
	provider lease.LeaseProvider
	writerID string
}

// WithLogger replaces the logger built from the config.
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithLeaseProvider replaces the file lock provider, e.g. with an in-memory
// one shared by several engines in a test.
func WithLeaseProvider(p lease.LeaseProvider) Option {
	return func(o *engineOptions) { o.provider = p }
}

// WithWriterID sets the writer id used by handles from OpenTable.
func WithWriterID(id string) Option {
	return func(o *engineOptions) { o.writerID = id }
}
