package bplus

import (
	"LineDB/storage_engine/page"
	"LineDB/types"
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/RoaringBitmap/roaring"
)

/*
Node and meta page layouts. Both start with the common 32 byte page header.

Leaf body:
	repeated count times:
	  keyLen uint16 | key | valLen uint32 | value

Internal body:
	child0 uint64
	repeated count times:
	  keyLen uint16 | key | child uint64

Meta body:
	magic uint32 | version uint32 | order uint64 | root uint64 | height uint64
	count uint64 | nextPageID uint64 | appliedSeq uint64 | freeLen uint32 | roaring freelist
*/

const metaFixedSize = 4 + 4 + 6*8 + 4

func nodeSize(n *Node) int {
	size := page.HeaderSize
	if n.isLeaf() {
		for i := range n.keys {
			size += leafEntryOverhead + len(n.keys[i]) + len(n.values[i])
		}
		return size
	}
	size += 8
	for i := range n.keys {
		size += internalEntryOverhead + len(n.keys[i])
	}
	return size
}

func encodeNode(n *Node) ([]byte, error) {
	if size := nodeSize(n); size > page.PageSize {
		return nil, fmt.Errorf("encodeNode: page %d needs %d bytes: %w", n.pageID, size, types.ErrEntryTooLarge)
	}

	buf := make([]byte, page.PageSize)
	page.Header{
		ID:    n.pageID,
		Type:  n.nodeType,
		Count: uint16(len(n.keys)),
		Next:  n.next,
	}.Put(buf)

	off := page.HeaderSize
	if n.isLeaf() {
		for i, k := range n.keys {
			binary.LittleEndian.PutUint16(buf[off:], uint16(len(k)))
			off += 2
			off += copy(buf[off:], k)
			binary.LittleEndian.PutUint32(buf[off:], uint32(len(n.values[i])))
			off += 4
			off += copy(buf[off:], n.values[i])
		}
	} else {
		binary.LittleEndian.PutUint64(buf[off:], n.children[0])
		off += 8
		for i, k := range n.keys {
			binary.LittleEndian.PutUint16(buf[off:], uint16(len(k)))
			off += 2
			off += copy(buf[off:], k)
			binary.LittleEndian.PutUint64(buf[off:], n.children[i+1])
			off += 8
		}
	}

	page.Seal(buf)
	return buf, nil
}

// decodeNode verifies the page checksum and parses a leaf or internal node.
func decodeNode(path string, id uint64, buf []byte) (*Node, error) {
	if page.IsZero(buf) {
		return nil, types.NewCorruption(path, int64(id), "node page was never written")
	}
	if err := page.Verify(path, id, buf); err != nil {
		return nil, err
	}

	h := page.ReadHeader(buf)
	if h.Type != types.PageLeaf && h.Type != types.PageInternal {
		return nil, types.NewCorruption(path, int64(id), "unexpected page type %s", h.Type)
	}

	n := &Node{
		pageID:   id,
		nodeType: h.Type,
		keys:     make([][]byte, 0, h.Count),
		next:     h.Next,
	}

	r := pageReader{buf: buf, off: page.HeaderSize}
	if n.isLeaf() {
		n.values = make([][]byte, 0, h.Count)
		for i := 0; i < int(h.Count); i++ {
			k := r.bytes(int(r.u16()))
			v := r.bytes(int(r.u32()))
			n.keys = append(n.keys, k)
			n.values = append(n.values, v)
		}
	} else {
		n.children = make([]uint64, 0, int(h.Count)+1)
		n.children = append(n.children, r.u64())
		for i := 0; i < int(h.Count); i++ {
			n.keys = append(n.keys, r.bytes(int(r.u16())))
			n.children = append(n.children, r.u64())
		}
	}
	if r.short {
		return nil, types.NewCorruption(path, int64(id), "node body overruns page (%d keys)", h.Count)
	}
	return n, nil
}

func encodeMeta(m *treeMeta) ([]byte, error) {
	buf := make([]byte, page.PageSize)
	page.Header{ID: metaPageID, Type: types.PageMeta}.Put(buf)

	m.free.RunOptimize()
	var free bytes.Buffer
	if _, err := m.free.WriteTo(&free); err != nil {
		return nil, fmt.Errorf("encodeMeta: failed to serialize freelist: %w", err)
	}
	if page.HeaderSize+metaFixedSize+free.Len() > page.PageSize {
		return nil, fmt.Errorf("encodeMeta: freelist of %d pages does not fit the meta page: %w", m.free.GetCardinality(), types.ErrEntryTooLarge)
	}

	off := page.HeaderSize
	binary.LittleEndian.PutUint32(buf[off:], metaMagic)
	binary.LittleEndian.PutUint32(buf[off+4:], formatVersion)
	off += 8
	for _, v := range []uint64{m.order, m.root, m.height, m.count, m.nextPageID, m.appliedSeq} {
		binary.LittleEndian.PutUint64(buf[off:], v)
		off += 8
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(free.Len()))
	off += 4
	copy(buf[off:], free.Bytes())

	page.Seal(buf)
	return buf, nil
}

func decodeMeta(path string, buf []byte) (treeMeta, error) {
	if err := page.Verify(path, metaPageID, buf); err != nil {
		return treeMeta{}, err
	}
	if h := page.ReadHeader(buf); h.Type != types.PageMeta {
		return treeMeta{}, types.NewCorruption(path, 0, "page 0 is %s, not meta", h.Type)
	}

	r := pageReader{buf: buf, off: page.HeaderSize}
	if magic := r.u32(); magic != metaMagic {
		return treeMeta{}, types.NewCorruption(path, 0, "bad magic %08x", magic)
	}
	if v := r.u32(); v != formatVersion {
		return treeMeta{}, fmt.Errorf("decodeMeta: %s has unsupported format version %d", path, v)
	}

	m := treeMeta{
		order:      r.u64(),
		root:       r.u64(),
		height:     r.u64(),
		count:      r.u64(),
		nextPageID: r.u64(),
		appliedSeq: r.u64(),
		free:       roaring.New(),
	}
	freeBytes := r.bytes(int(r.u32()))
	if r.short {
		return treeMeta{}, types.NewCorruption(path, 0, "meta freelist overruns page")
	}
	if len(freeBytes) > 0 {
		if _, err := m.free.FromBuffer(freeBytes); err != nil {
			return treeMeta{}, types.NewCorruption(path, 0, "freelist: %v", err)
		}
		// FromBuffer aliases the page buffer.
		m.free = m.free.Clone()
	}
	return m, nil
}

// pageReader walks a page body; any read past the end sets short and yields zeros.
type pageReader struct {
	buf   []byte
	off   int
	short bool
}

func (r *pageReader) take(n int) []byte {
	if r.short || n < 0 || r.off+n > len(r.buf) {
		r.short = true
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *pageReader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *pageReader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *pageReader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *pageReader) bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
