package diskmanager

import (
	"LineDB/storage_engine/page"
	"LineDB/types"
	"fmt"
	"os"
	"sort"
)

/*
This is the main file for the disk manager.
It owns:
The page file handle and its memory mapping
Reading/writing whole pages at pageID * PageSize
Growing the file (and remapping) when a page beyond the end is written
The page journal that makes a batch of page writes all-or-nothing

Everything that involves the raw mapping lives in this package; callers only
ever see copies of page bytes through ReadPage/WriteBatch.
*/

const (
	minPages   = 16   // smallest file we map
	growChunk  = 1024 // pages added at most per grow step after doubling
	filePerm   = 0644
	journalExt = ".journal"
)

// Open maps the page file at path, creating it if needed, and redoes any
// complete journal left behind by a crash.
func Open(path string) (*DiskManager, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, filePerm)
	if err != nil {
		return nil, fmt.Errorf("Open: failed to open page file %s: %w", path, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("Open: failed to stat %s: %w", path, err)
	}

	dm := &DiskManager{
		path:        path,
		journalPath: path + journalExt,
		file:        file,
		pageSize:    page.PageSize,
	}

	size := stat.Size()
	if size%int64(dm.pageSize) != 0 {
		// A partially extended file: round up, the tail page reads as zeros.
		size = alignToPage(size, dm.pageSize)
	}
	if size < int64(minPages*dm.pageSize) {
		size = int64(minPages * dm.pageSize)
	}
	if size != stat.Size() {
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, fmt.Errorf("Open: failed to size %s: %w", path, err)
		}
	}
	dm.size = size

	if err := dm.mapFile(); err != nil {
		file.Close()
		return nil, fmt.Errorf("Open: mmap %s: %w", path, err)
	}

	if err := dm.recoverJournal(); err != nil {
		dm.Close()
		return nil, err
	}

	return dm, nil
}

// ReadPage copies one page out of the mapping.
func (dm *DiskManager) ReadPage(pageID uint64) ([]byte, error) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	if dm.closed {
		return nil, fmt.Errorf("ReadPage: %s: %w", dm.path, types.ErrClosed)
	}

	offset := int64(pageID) * int64(dm.pageSize)
	if offset+int64(dm.pageSize) > dm.size {
		return nil, fmt.Errorf("ReadPage: page %d beyond end of %s (%d pages)", pageID, dm.path, dm.size/int64(dm.pageSize))
	}

	buf := make([]byte, dm.pageSize)
	copy(buf, dm.data[offset:offset+int64(dm.pageSize)])
	return buf, nil
}

// WriteBatch makes all pages durable together: journal first (fsync), then the
// mapping (msync), then the journal is dropped. A crash at any point leaves
// either the old pages or, after journal redo on Open, all the new ones.
func (dm *DiskManager) WriteBatch(pages map[uint64][]byte) error {
	if len(pages) == 0 {
		return nil
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.closed {
		return fmt.Errorf("WriteBatch: %s: %w", dm.path, types.ErrClosed)
	}

	ids := sortedIDs(pages)
	for _, id := range ids {
		if len(pages[id]) != dm.pageSize {
			return fmt.Errorf("WriteBatch: page %d is %d bytes, want %d", id, len(pages[id]), dm.pageSize)
		}
	}

	if err := writeJournal(dm.journalPath, ids, pages); err != nil {
		return fmt.Errorf("WriteBatch: journal: %w", err)
	}

	if err := dm.applyPages(ids, pages); err != nil {
		return fmt.Errorf("WriteBatch: %w", err)
	}

	if err := os.Remove(dm.journalPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("WriteBatch: failed to drop journal: %w", err)
	}
	return nil
}

// applyPages copies pages into the mapping, growing it as needed, then msyncs.
// Caller holds dm.mu.
func (dm *DiskManager) applyPages(ids []uint64, pages map[uint64][]byte) error {
	maxID := ids[len(ids)-1]
	need := int64(maxID+1) * int64(dm.pageSize)
	if need > dm.size {
		if err := dm.grow(need); err != nil {
			return err
		}
	}

	for _, id := range ids {
		offset := int64(id) * int64(dm.pageSize)
		copy(dm.data[offset:offset+int64(dm.pageSize)], pages[id])
	}

	if err := dm.syncFile(); err != nil {
		return fmt.Errorf("msync %s: %w", dm.path, err)
	}
	return nil
}

// grow extends the file to at least need bytes and remaps it.
// Caller holds dm.mu.
func (dm *DiskManager) grow(need int64) error {
	newSize := dm.size * 2
	if limit := dm.size + int64(growChunk*dm.pageSize); newSize > limit {
		newSize = limit
	}
	if newSize < need {
		newSize = alignToPage(need, dm.pageSize)
	}

	if err := dm.unmapFile(); err != nil {
		return fmt.Errorf("grow: unmap %s: %w", dm.path, err)
	}
	if err := dm.file.Truncate(newSize); err != nil {
		return fmt.Errorf("grow: truncate %s to %d: %w", dm.path, newSize, err)
	}
	dm.size = newSize
	if err := dm.mapFile(); err != nil {
		return fmt.Errorf("grow: remap %s: %w", dm.path, err)
	}
	return nil
}

// NumPages is the number of page slots in the file, written or not.
func (dm *DiskManager) NumPages() uint64 {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return uint64(dm.size / int64(dm.pageSize))
}

func (dm *DiskManager) Path() string { return dm.path }

func (dm *DiskManager) Size() int64 {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.size
}

func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.closed {
		return nil
	}
	if err := dm.syncFile(); err != nil {
		return fmt.Errorf("Sync: msync %s: %w", dm.path, err)
	}
	return dm.file.Sync()
}

// Close syncs, unmaps and closes the file. Closing twice is a no-op.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.closed {
		return nil
	}
	dm.closed = true

	var firstErr error
	if dm.data != nil {
		if err := dm.syncFile(); err != nil {
			firstErr = err
		}
		if err := dm.unmapFile(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := dm.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return fmt.Errorf("Close: %s: %w", dm.path, firstErr)
	}
	return nil
}

// Remove deletes a page file together with any journal.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(path + journalExt); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func alignToPage(size int64, pageSize int) int64 {
	ps := int64(pageSize)
	if size%ps == 0 {
		return size
	}
	return (size/ps + 1) * ps
}

func sortedIDs(pages map[uint64][]byte) []uint64 {
	ids := make([]uint64, 0, len(pages))
	for id := range pages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
