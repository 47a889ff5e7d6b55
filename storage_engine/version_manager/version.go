package version

import (
	"LineDB/logger"
	"LineDB/storage_engine/fileio"
	wal "LineDB/storage_engine/wal_manager"
	"LineDB/types"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

/*
The version manager keeps a chain of compressed deltas per table:

	<table>.delta.1  base 0  seq 1..40
	<table>.delta.2  base 1  seq 41..97
	<table>.delta.3  base 2  seq 98..120

A checkpoint collapses the committed WAL entries since the previous delta into one
change per key (row before the range, row after it) and writes them as the next
delta. Folding every delta in order from an empty table reproduces the table as of
the last checkpoint; the WAL tail after it completes the picture.

Prune folds the oldest deltas into a single base delta so the chain stays bounded.
The folded file takes the number of the newest delta it absorbed, so the numbering
and base links of the rest of the chain do not change.
*/

// Path returns the file of delta n of table.
func Path(dir, table string, n uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s.delta.%d", table, n))
}

func chainBroken(format string, args ...any) error {
	return fmt.Errorf("%w: %s", types.ErrDeltaChainBroken, fmt.Sprintf(format, args...))
}

// Open scans the delta files of table. Unreadable deltas are logged and left
// for Chain to report.
func Open(dir, table string, log *slog.Logger) (*VersionManager, error) {
	vm := &VersionManager{
		dir:    dir,
		table:  table,
		logger: logger.Component(log, "delta").With("table", table),
	}

	matches, err := filepath.Glob(filepath.Join(dir, table+".delta.*"))
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	prefix := table + ".delta."
	for _, path := range matches {
		n, err := strconv.ParseUint(strings.TrimPrefix(filepath.Base(path), prefix), 10, 64)
		if err != nil || n == 0 {
			continue
		}
		d, err := readDelta(path, true)
		if err != nil {
			vm.logger.Warn("unreadable delta", "n", n, "error", err)
			continue
		}
		if d.N != n {
			vm.logger.Warn("delta number does not match file name", "file", n, "header", d.N)
			continue
		}
		vm.headers = append(vm.headers, d.DeltaHeader)
	}
	sort.Slice(vm.headers, func(i, j int) bool { return vm.headers[i].N < vm.headers[j].N })

	// a crash during Prune can leave absorbed deltas behind the new base
	for i := len(vm.headers) - 1; i > 0; i-- {
		if vm.headers[i].Base != 0 {
			continue
		}
		for _, stale := range vm.headers[:i] {
			vm.logger.Info("removing delta absorbed by base", "n", stale.N, "base", vm.headers[i].N)
			if err := os.Remove(Path(dir, table, stale.N)); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("Open: %w", err)
			}
		}
		vm.headers = append([]DeltaHeader(nil), vm.headers[i:]...)
		break
	}

	vm.logger.Debug("delta chain opened", "deltas", len(vm.headers), "last_seq", vm.lastSeqLocked())
	return vm, nil
}

func (vm *VersionManager) lastSeqLocked() uint64 {
	if len(vm.headers) == 0 {
		return 0
	}
	return vm.headers[len(vm.headers)-1].ToSeq
}

func (vm *VersionManager) lastNLocked() uint64 {
	if len(vm.headers) == 0 {
		return 0
	}
	return vm.headers[len(vm.headers)-1].N
}

// LastSeq is the last WAL sequence covered by the chain.
func (vm *VersionManager) LastSeq() uint64 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.lastSeqLocked()
}

// LastN is the number of the newest delta, 0 for an empty chain.
func (vm *VersionManager) LastN() uint64 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.lastNLocked()
}

// Len is the number of deltas in the chain.
func (vm *VersionManager) Len() int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return len(vm.headers)
}

// Checkpoint writes the next delta covering the WAL range (LastSeq, toSeq].
// entries are the committed entries of that range; others are ignored.
// It returns nil when toSeq is already covered.
func (vm *VersionManager) Checkpoint(entries []wal.Entry, toSeq uint64) (*Delta, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	from := vm.lastSeqLocked()
	if toSeq <= from {
		return nil, nil
	}

	changes, err := collapse(entries, from, toSeq)
	if err != nil {
		return nil, fmt.Errorf("Checkpoint: %w", err)
	}
	d := &Delta{
		DeltaHeader: DeltaHeader{
			N:       vm.lastNLocked() + 1,
			Base:    vm.lastNLocked(),
			FromSeq: from + 1,
			ToSeq:   toSeq,
			Created: time.Now(),
		},
		Entries: changes,
	}
	if err := vm.writeLocked(d); err != nil {
		return nil, fmt.Errorf("Checkpoint: %w", err)
	}
	vm.headers = append(vm.headers, d.DeltaHeader)
	return d, nil
}

func (vm *VersionManager) writeLocked(d *Delta) error {
	buf, err := encodeDelta(d)
	if err != nil {
		return err
	}
	if err := fileio.WriteFileAtomic(Path(vm.dir, vm.table, d.N), buf); err != nil {
		return err
	}
	vm.logger.Info("delta written",
		"n", d.N, "base", d.Base, "from_seq", d.FromSeq, "to_seq", d.ToSeq,
		"changes", d.Changes, "size", humanize.Bytes(uint64(len(buf))))
	return nil
}

// collapse reduces the entries with sequence in (from, to] to one change per key.
func collapse(entries []wal.Entry, from, to uint64) ([]Change, error) {
	byKey := make(map[string]*Change)
	for _, e := range entries {
		if e.Seq <= from || e.Seq > to || e.Op == types.OpAbort {
			continue
		}
		newFields, hasNew, err := wal.DecodeFields(e.New)
		if err != nil {
			return nil, fmt.Errorf("seq %d: %w", e.Seq, err)
		}
		key := string(e.Key)
		if c, ok := byKey[key]; ok {
			c.New, c.HasNew = newFields, hasNew
			continue
		}
		oldFields, hadOld, err := wal.DecodeFields(e.Old)
		if err != nil {
			return nil, fmt.Errorf("seq %d: %w", e.Seq, err)
		}
		byKey[key] = &Change{Key: key, Old: oldFields, HadOld: hadOld, New: newFields, HasNew: hasNew}
	}
	return sortedChanges(byKey), nil
}

// sortedChanges drops changes that cancel out and orders the rest by key.
func sortedChanges(byKey map[string]*Change) []Change {
	out := make([]Change, 0, len(byKey))
	for _, c := range byKey {
		if c.HadOld == c.HasNew && (!c.HasNew || maps.Equal(c.Old, c.New)) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Chain returns the delta headers after checking that numbering, base links
// and sequence ranges are continuous.
func (vm *VersionManager) Chain() ([]DeltaHeader, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.validateLocked(); err != nil {
		return nil, err
	}
	return append([]DeltaHeader(nil), vm.headers...), nil
}

func (vm *VersionManager) validateLocked() error {
	for i, h := range vm.headers {
		if i == 0 {
			if h.Base != 0 {
				return chainBroken("%s: first delta %d builds on missing delta %d", vm.table, h.N, h.Base)
			}
			if h.FromSeq != 1 {
				return chainBroken("%s: chain starts at seq %d", vm.table, h.FromSeq)
			}
			continue
		}
		prev := vm.headers[i-1]
		if h.N != prev.N+1 || h.Base != prev.N {
			return chainBroken("%s: delta %d (base %d) does not follow delta %d", vm.table, h.N, h.Base, prev.N)
		}
		if h.FromSeq != prev.ToSeq+1 {
			return chainBroken("%s: delta %d starts at seq %d, previous ends at %d", vm.table, h.N, h.FromSeq, prev.ToSeq)
		}
	}
	return nil
}

// Load reads and decompresses delta n.
func (vm *VersionManager) Load(n uint64) (*Delta, error) {
	d, err := readDelta(Path(vm.dir, vm.table, n), false)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, chainBroken("%s: delta %d missing", vm.table, n)
		}
		if errors.Is(err, types.ErrCorruption) {
			return nil, fmt.Errorf("%w: %w", types.ErrDeltaChainBroken, err)
		}
		return nil, err
	}
	if d.N != n {
		return nil, chainBroken("%s: file of delta %d holds delta %d", vm.table, n, d.N)
	}
	return d, nil
}

// Materialize folds every delta with ToSeq <= upTo (0 = all) into row state.
// It returns the rows and the last sequence they reflect. Every change must
// start from the state the chain produced so far.
func (vm *VersionManager) Materialize(upTo uint64) (map[string]map[string]string, uint64, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if err := vm.validateLocked(); err != nil {
		return nil, 0, err
	}

	rows := make(map[string]map[string]string)
	var reached uint64
	for _, h := range vm.headers {
		if upTo != 0 && h.ToSeq > upTo {
			break
		}
		d, err := vm.Load(h.N)
		if err != nil {
			return nil, 0, err
		}
		for _, c := range d.Entries {
			cur, exists := rows[c.Key]
			if exists != c.HadOld || (exists && !maps.Equal(cur, c.Old)) {
				return nil, 0, chainBroken("%s: delta %d change of %q does not match prior state", vm.table, h.N, c.Key)
			}
			if c.HasNew {
				fields := maps.Clone(c.New)
				if fields == nil {
					fields = map[string]string{}
				}
				rows[c.Key] = fields
			} else {
				delete(rows, c.Key)
			}
		}
		reached = h.ToSeq
	}
	return rows, reached, nil
}

// Prune folds the oldest deltas into one base delta so at most retention remain.
func (vm *VersionManager) Prune(retention int) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if retention < 1 {
		retention = 1
	}
	if len(vm.headers) <= retention {
		return nil
	}
	if err := vm.validateLocked(); err != nil {
		return fmt.Errorf("Prune: %w", err)
	}

	absorbed := vm.headers[:len(vm.headers)-retention+1]
	last := absorbed[len(absorbed)-1]

	byKey := make(map[string]*Change)
	for _, h := range absorbed {
		d, err := vm.Load(h.N)
		if err != nil {
			return fmt.Errorf("Prune: %w", err)
		}
		for _, c := range d.Entries {
			if prev, ok := byKey[c.Key]; ok {
				prev.New, prev.HasNew = c.New, c.HasNew
				continue
			}
			c := c
			byKey[c.Key] = &c
		}
	}

	base := &Delta{
		DeltaHeader: DeltaHeader{
			N:       last.N,
			Base:    0,
			FromSeq: absorbed[0].FromSeq,
			ToSeq:   last.ToSeq,
			Created: time.Now(),
		},
		Entries: sortedChanges(byKey),
	}
	if err := vm.writeLocked(base); err != nil {
		return fmt.Errorf("Prune: %w", err)
	}
	for _, h := range absorbed[:len(absorbed)-1] {
		if err := os.Remove(Path(vm.dir, vm.table, h.N)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("Prune: %w", err)
		}
	}

	rest := vm.headers[len(absorbed):]
	vm.headers = append([]DeltaHeader{base.DeltaHeader}, rest...)
	vm.logger.Info("delta chain pruned", "absorbed", len(absorbed), "base", base.N, "remaining", len(vm.headers))
	return nil
}

// RemoveAll deletes every delta file of table.
func (vm *VersionManager) RemoveAll() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for _, h := range vm.headers {
		if err := os.Remove(Path(vm.dir, vm.table, h.N)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	vm.headers = nil
	return nil
}
