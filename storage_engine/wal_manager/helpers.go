package wal_manager

import (
	"LineDB/types"
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

/*
Entry layout (big endian):

	[seq:u64][op:u8][key_len:u32][key][old_len:u32][old][new_len:u32][new][crc32:u32]

The CRC covers every byte before it.
*/

var errTorn = errors.New("torn or corrupt entry")

func (e *Entry) Encode() []byte {
	buf := make([]byte, 0, entryOverhead+len(e.Key)+len(e.Old)+len(e.New))
	buf = binary.BigEndian.AppendUint64(buf, e.Seq)
	buf = append(buf, byte(e.Op))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Key)))
	buf = append(buf, e.Key...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Old)))
	buf = append(buf, e.Old...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.New)))
	buf = append(buf, e.New...)
	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
}

// readEntry decodes the next entry. It returns io.EOF at a clean end of
// file, errTorn for a short or checksum-failing entry, and the entry's size.
func readEntry(r *bufio.Reader) (Entry, int64, error) {
	h := crc32.NewIEEE()
	tee := io.TeeReader(r, h)

	var head [9]byte
	if _, err := io.ReadFull(tee, head[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Entry{}, 0, io.EOF
		}
		return Entry{}, 0, errTorn
	}
	e := Entry{
		Seq: binary.BigEndian.Uint64(head[0:8]),
		Op:  types.OperationType(head[8]),
	}

	var err error
	if e.Key, err = readField(tee); err != nil {
		return Entry{}, 0, err
	}
	if e.Old, err = readField(tee); err != nil {
		return Entry{}, 0, err
	}
	if e.New, err = readField(tee); err != nil {
		return Entry{}, 0, err
	}

	want := h.Sum32()
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return Entry{}, 0, errTorn
	}
	if binary.BigEndian.Uint32(crcBuf[:]) != want {
		return Entry{}, 0, errTorn
	}
	if e.Op != types.OpPut && e.Op != types.OpDelete && e.Op != types.OpAbort {
		return Entry{}, 0, fmt.Errorf("%w: unknown op %d at seq %d", errTorn, e.Op, e.Seq)
	}

	size := int64(entryOverhead + len(e.Key) + len(e.Old) + len(e.New))
	return e, size, nil
}

func readField(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errTorn
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFieldLen {
		return nil, errTorn
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errTorn
	}
	return buf, nil
}

// NewAbort builds the compensation entry cancelling the entry at target.
func NewAbort(target uint64) *Entry {
	key := binary.BigEndian.AppendUint64(nil, target)
	return &Entry{Op: types.OpAbort, Key: key}
}

// AbortTarget returns the sequence an abort entry cancels.
func (e *Entry) AbortTarget() (uint64, bool) {
	if e.Op != types.OpAbort || len(e.Key) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(e.Key), true
}
