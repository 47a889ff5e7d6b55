package checkpoint

import (
	"LineDB/logger"
	"LineDB/storage_engine/fileio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	json "github.com/json-iterator/go"
)

/*
This file is the main file of the CheckpointManager.
The checkpoint file records, per table, the last WAL sequence that was folded into
the delta chain. On startup it tells the engine which WAL entries are already covered
by a delta, and after a truncated WAL it restores the sequence counter.

checkpoint.json is always replaced with the atomic write pattern
(temp file, fsync, rename, directory fsync), so it is either the old or the new version.
*/

func NewCheckpointManager(dbPath string, log *slog.Logger) (*CheckpointManager, error) {
	cm := &CheckpointManager{
		checkpointPath: filepath.Join(dbPath, checkpointFile),
		tables:         make(map[string]Checkpoint),
		logger:         logger.Component(log, "checkpoint"),
	}

	data, err := os.ReadFile(cm.checkpointPath)
	if os.IsNotExist(err) {
		// No checkpoint exists - every table starts from the beginning
		return cm, nil
	}
	if err != nil {
		return nil, fmt.Errorf("NewCheckpointManager: failed to read checkpoint: %w", err)
	}

	var doc checkpointDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		// a torn checkpoint file cannot exist with atomic writes; treat as missing
		// and let the WAL and delta chain decide
		cm.logger.Warn("checkpoint file unreadable, starting without checkpoints", "error", err)
		return cm, nil
	}
	for name, cp := range doc.Tables {
		cm.tables[name] = cp
	}
	cm.logger.Debug("checkpoints loaded", "tables", len(cm.tables))
	return cm, nil
}

// SaveCheckpoint atomically records a checkpoint of one table.
func (cm *CheckpointManager) SaveCheckpoint(table string, seq, delta uint64) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	prev, had := cm.tables[table]
	cm.tables[table] = Checkpoint{
		Table:     table,
		Seq:       seq,
		Delta:     delta,
		Timestamp: time.Now().Unix(),
	}
	if err := cm.persistLocked(); err != nil {
		if had {
			cm.tables[table] = prev
		} else {
			delete(cm.tables, table)
		}
		return fmt.Errorf("SaveCheckpoint: %w", err)
	}

	cm.logger.Info("checkpoint saved", "table", table, "seq", seq, "delta", delta)
	return nil
}

// LoadCheckpoint returns the last checkpoint of table, zero when there is none.
func (cm *CheckpointManager) LoadCheckpoint(table string) Checkpoint {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cp, ok := cm.tables[table]; ok {
		return cp
	}
	return Checkpoint{Table: table}
}

// Tables lists the tables that have a checkpoint, sorted by name.
func (cm *CheckpointManager) Tables() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	names := make([]string, 0, len(cm.tables))
	for name := range cm.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DeleteCheckpoint forgets the checkpoint of table.
func (cm *CheckpointManager) DeleteCheckpoint(table string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	prev, ok := cm.tables[table]
	if !ok {
		return nil
	}
	delete(cm.tables, table)
	if err := cm.persistLocked(); err != nil {
		cm.tables[table] = prev
		return fmt.Errorf("DeleteCheckpoint: %w", err)
	}
	return nil
}

func (cm *CheckpointManager) persistLocked() error {
	doc := checkpointDoc{Version: formatVersion, Tables: cm.tables}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return fileio.WriteFileAtomic(cm.checkpointPath, data)
}
