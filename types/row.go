package types

import (
	"encoding/binary"
	"fmt"
	"maps"
	"sort"
)

// Row is one record of a table. Rows are never mutated in place once stored;
// an update writes a new version that supersedes the old one.
type Row struct {
	Key    string            `json:"key"`
	Fields map[string]string `json:"fields"`
}

func (r Row) Clone() Row {
	return Row{Key: r.Key, Fields: maps.Clone(r.Fields)}
}

// Columns returns the row's column names in sorted order.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r.Fields))
	for c := range r.Fields {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func (r Row) Equal(o Row) bool {
	return r.Key == o.Key && maps.Equal(r.Fields, o.Fields)
}

// RowRef points at one row version inside a table file.
// Layout: Offset uint64 LE (8B) | Length uint32 LE (4B) = 12 bytes.
type RowRef struct {
	Offset uint64
	Length uint32
}

const RowRefSize = 12

func (r RowRef) Encode() []byte {
	buf := make([]byte, RowRefSize)
	binary.LittleEndian.PutUint64(buf[0:8], r.Offset)
	binary.LittleEndian.PutUint32(buf[8:12], r.Length)
	return buf
}

func DecodeRowRef(b []byte) (RowRef, error) {
	if len(b) != RowRefSize {
		return RowRef{}, fmt.Errorf("DecodeRowRef: expected %d bytes, got %d", RowRefSize, len(b))
	}
	return RowRef{
		Offset: binary.LittleEndian.Uint64(b[0:8]),
		Length: binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

func (r RowRef) String() string {
	return fmt.Sprintf("(off=%d len=%d)", r.Offset, r.Length)
}
