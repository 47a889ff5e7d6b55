package page

import (
	"LineDB/types"
	"encoding/binary"
	"hash/crc32"
)

const (
	PageSize   = types.PageSize
	HeaderSize = types.PageHeaderSize
)

/*
Every page on disk, whatever its type, starts with the same 32 byte header:

	Header (32 bytes):
	  pageID    uint64  (8 bytes)  0-7
	  pageType  uint8   (1 byte)   8
	  flags     uint8   (1 byte)   9
	  count     uint16  (2 bytes)  10-11   keys in a tree node
	  next      uint64  (8 bytes)  12-19   right sibling of a leaf, 0 = none
	  checksum  uint32  (4 bytes)  20-23   CRC32-C of the whole page with this field zeroed
	  reserved          (8 bytes)  24-31

The body layout belongs to the page owner (B+Tree nodes, the tree meta page).
A page whose bytes are all zero was allocated but never written.
*/

const (
	offID       = 0
	offType     = 8
	offFlags    = 9
	offCount    = 10
	offNext     = 12
	offChecksum = 20
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type Header struct {
	ID    uint64
	Type  types.PageType
	Flags uint8
	Count uint16
	Next  uint64
}

func (h Header) Put(buf []byte) {
	binary.LittleEndian.PutUint64(buf[offID:], h.ID)
	buf[offType] = byte(h.Type)
	buf[offFlags] = h.Flags
	binary.LittleEndian.PutUint16(buf[offCount:], h.Count)
	binary.LittleEndian.PutUint64(buf[offNext:], h.Next)
}

func ReadHeader(buf []byte) Header {
	return Header{
		ID:    binary.LittleEndian.Uint64(buf[offID:]),
		Type:  types.PageType(buf[offType]),
		Flags: buf[offFlags],
		Count: binary.LittleEndian.Uint16(buf[offCount:]),
		Next:  binary.LittleEndian.Uint64(buf[offNext:]),
	}
}

// Checksum computes the page checksum as if the checksum field were zero.
func Checksum(buf []byte) uint32 {
	var zero [4]byte
	h := crc32.New(castagnoli)
	h.Write(buf[:offChecksum])
	h.Write(zero[:])
	h.Write(buf[offChecksum+4:])
	return h.Sum32()
}

// Seal stamps the checksum into a fully encoded page.
func Seal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[offChecksum:], Checksum(buf))
}

func StoredChecksum(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf[offChecksum:])
}

// Verify checks size, checksum and the self-recorded page id.
func Verify(path string, id uint64, buf []byte) error {
	if len(buf) != PageSize {
		return types.NewCorruption(path, int64(id), "page is %d bytes, want %d", len(buf), PageSize)
	}
	if got, want := StoredChecksum(buf), Checksum(buf); got != want {
		return types.NewCorruption(path, int64(id), "checksum mismatch stored=%08x computed=%08x", got, want)
	}
	if hid := binary.LittleEndian.Uint64(buf[offID:]); hid != id {
		return types.NewCorruption(path, int64(id), "page records id %d", hid)
	}
	return nil
}

func IsZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}
