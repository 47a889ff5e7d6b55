package version

import (
	"log/slog"
	"sync"
	"time"
)

const (
	deltaMagic uint32 = 0x4c444431 // "LDD1"
	headerSize        = 4 + 8*5 + 4 + 4 + 4
)

// Change is the net effect of a checkpoint range on one key: the row before
// the range and the row after it. HadOld/HasNew tell an absent row from a
// row without fields.
type Change struct {
	Key    string            `json:"key"`
	Old    map[string]string `json:"old,omitempty"`
	New    map[string]string `json:"new,omitempty"`
	HadOld bool              `json:"had_old,omitempty"`
	HasNew bool              `json:"has_new,omitempty"`
}

// DeltaHeader is the uncompressed head of a <table>.delta.N file.
//
//	magic   u32
//	n       u64  position in the chain
//	base    u64  delta this one applies on top of, 0 for the chain base
//	from    u64  first WAL sequence covered
//	to      u64  last WAL sequence covered
//	created i64  unix nanos
//	changes u32
//	length  u32  compressed payload bytes
//	crc32   u32  IEEE over the compressed payload
type DeltaHeader struct {
	N       uint64
	Base    uint64
	FromSeq uint64
	ToSeq   uint64
	Created time.Time
	Changes int
	Length  int
	CRC     uint32
}

type Delta struct {
	DeltaHeader
	Entries []Change
}

// VersionManager owns the delta chain of one table.
type VersionManager struct {
	dir     string
	table   string
	headers []DeltaHeader // ascending by N
	logger  *slog.Logger
	mu      sync.Mutex
}
