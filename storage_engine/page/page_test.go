package page

import (
	"LineDB/types"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sealedPage(id uint64) []byte {
	buf := make([]byte, PageSize)
	Header{ID: id, Type: types.PageLeaf, Count: 3, Next: 9}.Put(buf)
	copy(buf[HeaderSize:], []byte("payload"))
	Seal(buf)
	return buf
}

func TestHeaderRoundTrip(t *testing.T) {
	buf := sealedPage(7)
	h := ReadHeader(buf)
	assert.Equal(t, uint64(7), h.ID)
	assert.Equal(t, types.PageLeaf, h.Type)
	assert.Equal(t, uint16(3), h.Count)
	assert.Equal(t, uint64(9), h.Next)
	require.NoError(t, Verify("t.idx", 7, buf))
}

func TestVerifyDetectsAnyFlippedByte(t *testing.T) {
	for _, off := range []int{0, 8, 11, 20, 23, HeaderSize, PageSize / 2, PageSize - 1} {
		buf := sealedPage(3)
		buf[off] ^= 0x5a
		err := Verify("t.idx", 3, buf)
		require.Error(t, err, "offset %d", off)
		assert.True(t, errors.Is(err, types.ErrCorruption))
	}
}

func TestVerifyWrongID(t *testing.T) {
	buf := sealedPage(4)
	var ce *types.CorruptionError
	require.ErrorAs(t, Verify("t.idx", 5, buf), &ce)
	assert.Equal(t, int64(5), ce.Page)
}
