package diskmanager

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

/*
Page journal

	───────────────────────────────────────────────────────────────
	| magic (4) | count (4) | { pageID (8) | page (PageSize) } ... | crc32 (4) |
	───────────────────────────────────────────────────────────────

The trailing CRC32 covers everything before it. A journal whose length or CRC
does not check out was never completed, so the page file was never touched and
the journal is simply discarded.
*/

const journalMagic uint32 = 0x4c4a4e4c // "LJNL"

func writeJournal(path string, ids []uint64, pages map[uint64][]byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return err
	}

	crc := crc32.NewIEEE()
	w := bufio.NewWriter(io.MultiWriter(f, crc))

	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], journalMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(ids)))
	w.Write(hdr[:])

	var idBuf [8]byte
	for _, id := range ids {
		binary.LittleEndian.PutUint64(idBuf[:], id)
		w.Write(idBuf[:])
		w.Write(pages[id])
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}

	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], crc.Sum32())
	if _, err := f.Write(sum[:]); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readJournal returns the pages of a complete journal, or ok=false when the
// journal is missing, torn or fails its checksum.
func readJournal(path string, pageSize int) (pages map[uint64][]byte, ok bool, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(data) < 12 || binary.LittleEndian.Uint32(data[0:4]) != journalMagic {
		return nil, false, nil
	}

	count := int(binary.LittleEndian.Uint32(data[4:8]))
	want := 8 + count*(8+pageSize) + 4
	if len(data) != want {
		return nil, false, nil
	}
	body := data[:want-4]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(data[want-4:]) {
		return nil, false, nil
	}

	pages = make(map[uint64][]byte, count)
	off := 8
	for i := 0; i < count; i++ {
		id := binary.LittleEndian.Uint64(data[off:])
		off += 8
		pages[id] = data[off : off+pageSize]
		off += pageSize
	}
	return pages, true, nil
}

// recoverJournal redoes a complete journal and removes whatever journal exists.
func (dm *DiskManager) recoverJournal() error {
	pages, ok, err := readJournal(dm.journalPath, dm.pageSize)
	if err != nil {
		return fmt.Errorf("recoverJournal: read %s: %w", dm.journalPath, err)
	}
	if ok && len(pages) > 0 {
		dm.mu.Lock()
		err := dm.applyPages(sortedIDs(pages), pages)
		dm.mu.Unlock()
		if err != nil {
			return fmt.Errorf("recoverJournal: redo %s: %w", dm.journalPath, err)
		}
	}
	if err := os.Remove(dm.journalPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("recoverJournal: remove %s: %w", dm.journalPath, err)
	}
	return nil
}
