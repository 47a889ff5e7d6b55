package checkpoint

import (
	"log/slog"
	"sync"
)

const (
	checkpointFile = "checkpoint.json"
	formatVersion  = 1
)

// CheckpointManager manages per table checkpoint records of one data directory.
type CheckpointManager struct {
	checkpointPath string
	tables         map[string]Checkpoint
	logger         *slog.Logger
	mu             sync.RWMutex
}

// Checkpoint represents a recovery point of one table: every WAL entry up to
// Seq is folded into delta number Delta and may be truncated from the log.
type Checkpoint struct {
	Table     string `json:"table"`
	Seq       uint64 `json:"seq"`
	Delta     uint64 `json:"delta"`
	Timestamp int64  `json:"timestamp"` // only for writing the last checkpoint time, not used for replaying
}

type checkpointDoc struct {
	Version int                   `json:"version"`
	Tables  map[string]Checkpoint `json:"tables"`
}
