package tablefile

import (
	"LineDB/types"
	"log/slog"
	"os"
	"sync"
)

const tableExt = ".tbl"

// Record is one line of a table file. A record with an empty key is a
// watermark: it only carries the applied sequence number.
type Record struct {
	Seq     uint64            `json:"seq"`
	Key     string            `json:"key"`
	Fields  map[string]string `json:"fields,omitempty"`
	Deleted bool              `json:"del,omitempty"`
	CRC     uint32            `json:"crc"`
}

func (r Record) Row() types.Row {
	return types.Row{Key: r.Key, Fields: r.Fields}
}

// Entry is the location of the latest live version of a key.
type Entry struct {
	Key string
	Ref types.RowRef
	Seq uint64
}

type rowState struct {
	ref     types.RowRef
	seq     uint64
	deleted bool
}

// TableFile is the append-only row log of one table.
type TableFile struct {
	name       string
	path       string
	file       *os.File
	size       int64
	latest     map[string]rowState
	live       int
	lines      int // records in the file, superseded ones included
	appliedSeq uint64
	logger     *slog.Logger
	mu         sync.RWMutex
}
