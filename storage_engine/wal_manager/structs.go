package wal_manager

import (
	"LineDB/types"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	walExt = ".wal"

	// fixed bytes around the variable parts: seq, op, three lengths, crc
	entryOverhead = 8 + 1 + 4 + 4 + 4 + 4
	// lengths above this are treated as garbage from a torn write
	maxFieldLen = 64 << 20
)

// WALManager is the write-ahead log of one table.
type WALManager struct {
	table      string
	segment    *WALSegment
	nextSeq    uint64
	lastSeq    uint64
	syncWrites bool
	logger     *slog.Logger
	mu         sync.Mutex
}

type WALSegment struct {
	FilePath string
	File     *os.File
	Size     int64
	mu       sync.Mutex
}

// Entry is one logged mutation. Old and New hold the encoded row before and
// after the mutation, empty when the row did not exist. Timestamp is the
// append time; it is not persisted and is zero for replayed entries.
type Entry struct {
	Seq       uint64
	Op        types.OperationType
	Key       []byte
	Old       []byte
	New       []byte
	Timestamp time.Time
}

// Options for OpenWAL.
type Options struct {
	SyncWrites bool // fsync after every append
	Logger     *slog.Logger
}
