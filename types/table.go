package types

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

type BackendKind string

const (
	BackendHash  BackendKind = "hash"
	BackendBTree BackendKind = "btree"
)

// TableStats is the summary returned by StorageEngine.TableStats.
type TableStats struct {
	Name        string      `json:"name"`
	RowCount    int         `json:"row_count"`
	Backend     BackendKind `json:"backend"`
	OnDiskSize  int64       `json:"on_disk_size"`
	AppliedSeq  uint64      `json:"applied_seq"`
	Checkpoint  uint64      `json:"checkpoint_seq"`
	Deltas      int         `json:"deltas"`
	LastRebuild time.Time   `json:"last_rebuild,omitempty"`
}

func (s TableStats) String() string {
	return fmt.Sprintf("%s: rows=%s backend=%s disk=%s seq=%d checkpoint=%d deltas=%d",
		s.Name, humanize.Comma(int64(s.RowCount)), s.Backend, humanize.Bytes(uint64(s.OnDiskSize)),
		s.AppliedSeq, s.Checkpoint, s.Deltas)
}
