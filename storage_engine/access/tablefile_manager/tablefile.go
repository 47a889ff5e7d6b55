package tablefile

import (
	"LineDB/logger"
	"LineDB/storage_engine/fileio"
	"LineDB/types"
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	json "github.com/json-iterator/go"
)

/*
Row storage. A table is a line-delimited JSON file <table>.tbl:

	{"seq":12,"key":"site.title@de","fields":{"text":"Hallo"},"crc":2866170237}
	{"seq":13,"key":"site.title","del":true,"crc":105914128}

Every mutation appends one line; the newest line of a key wins. Each line
carries a CRC32 over its content. On open:

  - a torn final line (no newline, or undecodable) is cut off,
  - a bad line anywhere else is a CorruptionError; the engine then rebuilds
    the table from its delta chain and WAL.

Lines are never rewritten in place. ReplaceAll writes a whole new file and
renames it over the old one.
*/

// Path returns the table file path for table inside dir.
func Path(dir, table string) string {
	return filepath.Join(dir, table+tableExt)
}

// Open opens or creates the table file and loads the latest version of every key.
func Open(dir, table string, log *slog.Logger) (*TableFile, error) {
	tf := &TableFile{
		name:   table,
		path:   Path(dir, table),
		logger: logger.Component(log, "table").With("table", table),
	}
	if err := tf.openAndLoad(); err != nil {
		return nil, err
	}
	return tf, nil
}

func (tf *TableFile) openAndLoad() error {
	f, err := os.OpenFile(tf.path, os.O_CREATE|os.O_RDWR, fileio.FilePerm)
	if err != nil {
		return fmt.Errorf("Open: failed to open table file: %w", err)
	}
	tf.file = f
	tf.latest = make(map[string]rowState)
	tf.live, tf.lines, tf.appliedSeq, tf.size = 0, 0, 0, 0

	if err := tf.load(); err != nil {
		f.Close()
		tf.file = nil
		return err
	}
	return nil
}

// load scans the whole file. The caller holds no lock; the table is not shared yet.
func (tf *TableFile) load() error {
	r := bufio.NewReaderSize(tf.file, 64*1024)
	var offset int64

	for {
		line, err := r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("Open: failed to read %s: %w", tf.path, err)
		}
		if len(line) == 0 {
			break
		}

		complete := line[len(line)-1] == '\n'
		body := line
		if complete {
			body = line[:len(line)-1]
		}

		rec, decodeErr := decodeRecord(body)
		if !complete || decodeErr != nil {
			atEnd := errors.Is(err, io.EOF) || tf.atEOF(r)
			if atEnd {
				tf.logger.Warn("truncating torn tail record", "offset", offset, "bytes", len(line))
				if terr := tf.file.Truncate(offset); terr != nil {
					return fmt.Errorf("Open: failed to truncate torn tail: %w", terr)
				}
				break
			}
			return types.NewCorruption(tf.path, -1, "record at offset %d: %v", offset, decodeErr)
		}

		tf.track(rec, types.RowRef{Offset: uint64(offset), Length: uint32(len(body))})
		offset += int64(len(line))
		if errors.Is(err, io.EOF) {
			break
		}
	}

	tf.size = offset
	tf.logger.Debug("table loaded", "rows", tf.live, "records", tf.lines, "applied_seq", tf.appliedSeq)
	return nil
}

func (tf *TableFile) atEOF(r *bufio.Reader) bool {
	_, err := r.Peek(1)
	return errors.Is(err, io.EOF)
}

// track folds one record into the in-memory latest map.
func (tf *TableFile) track(rec Record, ref types.RowRef) {
	tf.lines++
	if rec.Seq > tf.appliedSeq {
		tf.appliedSeq = rec.Seq
	}
	if rec.Key == "" {
		return // watermark
	}

	prev, existed := tf.latest[rec.Key]
	wasLive := existed && !prev.deleted
	tf.latest[rec.Key] = rowState{ref: ref, seq: rec.Seq, deleted: rec.Deleted}

	switch {
	case wasLive && rec.Deleted:
		tf.live--
	case !wasLive && !rec.Deleted:
		tf.live++
	}
}

// Append writes rec at the end of the file and returns its location.
func (tf *TableFile) Append(rec Record) (types.RowRef, error) {
	if rec.Key == "" {
		return types.RowRef{}, fmt.Errorf("Append: %w: empty key", types.ErrInvalidKey)
	}

	tf.mu.Lock()
	defer tf.mu.Unlock()
	if tf.file == nil {
		return types.RowRef{}, types.ErrClosed
	}

	line, err := encodeRecord(rec)
	if err != nil {
		return types.RowRef{}, fmt.Errorf("Append: %w", err)
	}
	if _, err := tf.file.WriteAt(line, tf.size); err != nil {
		// drop whatever part of the line made it out
		_ = tf.file.Truncate(tf.size)
		return types.RowRef{}, fmt.Errorf("Append: failed to write %s: %w", tf.path, err)
	}

	ref := types.RowRef{Offset: uint64(tf.size), Length: uint32(len(line) - 1)}
	tf.size += int64(len(line))
	tf.track(rec, ref)
	return ref, nil
}

// ReadAt reads and verifies the record at ref.
func (tf *TableFile) ReadAt(ref types.RowRef) (Record, error) {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	if tf.file == nil {
		return Record{}, types.ErrClosed
	}
	return tf.readAtLocked(ref)
}

func (tf *TableFile) readAtLocked(ref types.RowRef) (Record, error) {
	if int64(ref.Offset)+int64(ref.Length) > tf.size {
		return Record{}, types.NewCorruption(tf.path, -1, "row ref %s beyond end of file (%d bytes)", ref, tf.size)
	}
	buf := make([]byte, ref.Length)
	if _, err := tf.file.ReadAt(buf, int64(ref.Offset)); err != nil {
		return Record{}, fmt.Errorf("ReadAt: %w", err)
	}
	rec, err := decodeRecord(buf)
	if err != nil {
		return Record{}, types.NewCorruption(tf.path, -1, "record at offset %d: %v", ref.Offset, err)
	}
	return rec, nil
}

// Get returns the latest live version of key, reading through the in-memory map.
func (tf *TableFile) Get(key string) (types.Row, bool, error) {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	if tf.file == nil {
		return types.Row{}, false, types.ErrClosed
	}

	st, ok := tf.latest[key]
	if !ok || st.deleted {
		return types.Row{}, false, nil
	}
	rec, err := tf.readAtLocked(st.ref)
	if err != nil {
		return types.Row{}, false, err
	}
	return rec.Row(), true, nil
}

// Entries lists the location of every live key, sorted by key.
func (tf *TableFile) Entries() []Entry {
	tf.mu.RLock()
	defer tf.mu.RUnlock()

	out := make([]Entry, 0, tf.live)
	for k, st := range tf.latest {
		if !st.deleted {
			out = append(out, Entry{Key: k, Ref: st.ref, Seq: st.seq})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Rows reads every live row, keyed by row key.
func (tf *TableFile) Rows() (map[string]types.Row, error) {
	tf.mu.RLock()
	defer tf.mu.RUnlock()

	rows := make(map[string]types.Row, tf.live)
	for k, st := range tf.latest {
		if st.deleted {
			continue
		}
		rec, err := tf.readAtLocked(st.ref)
		if err != nil {
			return nil, err
		}
		rows[k] = rec.Row()
	}
	return rows, nil
}

// ReplaceAll atomically swaps the file for one holding exactly rows, each
// stamped with its own sequence, followed by a watermark at appliedSeq.
func (tf *TableFile) ReplaceAll(rows []Record, appliedSeq uint64) error {
	tf.mu.Lock()
	defer tf.mu.Unlock()

	sorted := make([]Record, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	tmpPath := tf.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fileio.FilePerm)
	if err != nil {
		return fmt.Errorf("ReplaceAll: %w", err)
	}
	w := bufio.NewWriter(f)
	writeAll := func() error {
		for _, rec := range sorted {
			if rec.Key == "" || rec.Deleted {
				continue
			}
			line, err := encodeRecord(rec)
			if err != nil {
				return err
			}
			if _, err := w.Write(line); err != nil {
				return err
			}
		}
		mark, err := encodeRecord(Record{Seq: appliedSeq})
		if err != nil {
			return err
		}
		if _, err := w.Write(mark); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		return f.Sync()
	}
	if err := writeAll(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ReplaceAll: failed to write %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ReplaceAll: %w", err)
	}

	if tf.file != nil {
		tf.file.Close()
		tf.file = nil
	}
	if err := fileio.CommitRename(tmpPath, tf.path); err != nil {
		os.Remove(tmpPath)
		if oerr := tf.openAndLoad(); oerr != nil {
			return fmt.Errorf("ReplaceAll: %w (reopen: %v)", err, oerr)
		}
		return fmt.Errorf("ReplaceAll: %w", err)
	}
	if err := tf.openAndLoad(); err != nil {
		return fmt.Errorf("ReplaceAll: %w", err)
	}

	tf.logger.Info("table file rewritten", "rows", tf.live, "applied_seq", tf.appliedSeq)
	return nil
}

// Compact rewrites the file with only the live rows.
func (tf *TableFile) Compact() error {
	tf.mu.RLock()
	recs := make([]Record, 0, tf.live)
	for _, st := range tf.latest {
		if st.deleted {
			continue
		}
		rec, err := tf.readAtLocked(st.ref)
		if err != nil {
			tf.mu.RUnlock()
			return fmt.Errorf("Compact: %w", err)
		}
		recs = append(recs, rec)
	}
	seq := tf.appliedSeq
	tf.mu.RUnlock()

	return tf.ReplaceAll(recs, seq)
}

func (tf *TableFile) Sync() error {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	if tf.file == nil {
		return types.ErrClosed
	}
	return tf.file.Sync()
}

func (tf *TableFile) Close() error {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	if tf.file == nil {
		return nil
	}
	err := tf.file.Sync()
	if cerr := tf.file.Close(); err == nil {
		err = cerr
	}
	tf.file = nil
	return err
}

func (tf *TableFile) Name() string { return tf.name }
func (tf *TableFile) Path() string { return tf.path }

// Len is the number of live rows.
func (tf *TableFile) Len() int {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	return tf.live
}

// Garbage is the number of records superseded by a later one.
func (tf *TableFile) Garbage() int {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	return tf.lines - tf.live
}

// AppliedSeq is the highest sequence number stored in the file.
func (tf *TableFile) AppliedSeq() uint64 {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	return tf.appliedSeq
}

func (tf *TableFile) Size() int64 {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	return tf.size
}

// Remove deletes the table file of table inside dir.
func Remove(dir, table string) error {
	if err := os.Remove(Path(dir, table)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ##################################### RECORD CODEC ######################################

func encodeRecord(rec Record) ([]byte, error) {
	rec.CRC = recordChecksum(rec)
	line, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record %q: %w", rec.Key, err)
	}
	return append(line, '\n'), nil
}

func decodeRecord(body []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return Record{}, fmt.Errorf("undecodable: %w", err)
	}
	if want := recordChecksum(rec); rec.CRC != want {
		return Record{}, fmt.Errorf("checksum mismatch stored=%08x computed=%08x", rec.CRC, want)
	}
	return rec, nil
}

// recordChecksum covers seq, key, deleted flag and fields in column order.
func recordChecksum(rec Record) uint32 {
	h := crc32.NewIEEE()
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], rec.Seq)
	h.Write(seq[:])
	h.Write([]byte(rec.Key))
	if rec.Deleted {
		h.Write([]byte{0, 1})
	} else {
		h.Write([]byte{0, 0})
	}
	cols := make([]string, 0, len(rec.Fields))
	for c := range rec.Fields {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	for _, c := range cols {
		h.Write([]byte(c))
		h.Write([]byte{0})
		h.Write([]byte(rec.Fields[c]))
		h.Write([]byte{0})
	}
	return h.Sum32()
}
