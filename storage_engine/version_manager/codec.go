package version

import (
	"LineDB/types"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"time"

	json "github.com/json-iterator/go"
	"github.com/ulikunitz/xz"
)

func encodeDelta(d *Delta) ([]byte, error) {
	body, err := json.Marshal(d.Entries)
	if err != nil {
		return nil, fmt.Errorf("encodeDelta: %w", err)
	}

	var payload bytes.Buffer
	zw, err := xz.NewWriter(&payload)
	if err != nil {
		return nil, fmt.Errorf("encodeDelta: %w", err)
	}
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("encodeDelta: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("encodeDelta: %w", err)
	}

	d.Changes = len(d.Entries)
	d.Length = payload.Len()
	d.CRC = crc32.ChecksumIEEE(payload.Bytes())

	buf := make([]byte, 0, headerSize+payload.Len())
	buf = binary.BigEndian.AppendUint32(buf, deltaMagic)
	buf = binary.BigEndian.AppendUint64(buf, d.N)
	buf = binary.BigEndian.AppendUint64(buf, d.Base)
	buf = binary.BigEndian.AppendUint64(buf, d.FromSeq)
	buf = binary.BigEndian.AppendUint64(buf, d.ToSeq)
	buf = binary.BigEndian.AppendUint64(buf, uint64(d.Created.UnixNano()))
	buf = binary.BigEndian.AppendUint32(buf, uint32(d.Changes))
	buf = binary.BigEndian.AppendUint32(buf, uint32(d.Length))
	buf = binary.BigEndian.AppendUint32(buf, d.CRC)
	return append(buf, payload.Bytes()...), nil
}

func decodeHeader(path string, b []byte) (DeltaHeader, error) {
	if len(b) < headerSize {
		return DeltaHeader{}, types.NewCorruption(path, -1, "delta header truncated (%d bytes)", len(b))
	}
	if magic := binary.BigEndian.Uint32(b[0:4]); magic != deltaMagic {
		return DeltaHeader{}, types.NewCorruption(path, -1, "bad delta magic %#x", magic)
	}
	return DeltaHeader{
		N:       binary.BigEndian.Uint64(b[4:12]),
		Base:    binary.BigEndian.Uint64(b[12:20]),
		FromSeq: binary.BigEndian.Uint64(b[20:28]),
		ToSeq:   binary.BigEndian.Uint64(b[28:36]),
		Created: time.Unix(0, int64(binary.BigEndian.Uint64(b[36:44]))),
		Changes: int(binary.BigEndian.Uint32(b[44:48])),
		Length:  int(binary.BigEndian.Uint32(b[48:52])),
		CRC:     binary.BigEndian.Uint32(b[52:56]),
	}, nil
}

// readDelta reads a whole delta file and checks its payload checksum.
// With headerOnly the payload is checked but not decompressed.
func readDelta(path string, headerOnly bool) (*Delta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	h, err := decodeHeader(path, data)
	if err != nil {
		return nil, err
	}
	payload := data[headerSize:]
	if len(payload) != h.Length {
		return nil, types.NewCorruption(path, -1, "payload is %d bytes, header says %d", len(payload), h.Length)
	}
	if sum := crc32.ChecksumIEEE(payload); sum != h.CRC {
		return nil, types.NewCorruption(path, -1, "payload checksum %#x, header says %#x", sum, h.CRC)
	}

	d := &Delta{DeltaHeader: h}
	if headerOnly {
		return d, nil
	}

	zr, err := xz.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewCorruption(path, -1, "xz: %v", err)
	}
	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, types.NewCorruption(path, -1, "xz: %v", err)
	}
	if err := json.Unmarshal(body, &d.Entries); err != nil {
		return nil, types.NewCorruption(path, -1, "payload: %v", err)
	}
	if len(d.Entries) != h.Changes {
		return nil, types.NewCorruption(path, -1, "payload holds %d changes, header says %d", len(d.Entries), h.Changes)
	}
	return d, nil
}
