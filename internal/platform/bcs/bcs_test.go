package bcs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_Encoding(t *testing.T) {
	w := &Writer{}
	w.U8(1).U16(0x0203).U32(1).U64(2).Bool(true).Str("ab").Uleb128(300)

	assert.Equal(t, []byte{
		0x01,
		0x03, 0x02,
		0x01, 0, 0, 0,
		0x02, 0, 0, 0, 0, 0, 0, 0,
		0x01,
		0x02, 'a', 'b',
		0xac, 0x02,
	}, w.Bytes())
}

func TestReader_RoundTripsWriter(t *testing.T) {
	w := (&Writer{}).U8(7).U16(513).U64(1 << 40).Uleb128(16384).Vec([]byte{9, 9, 9})
	r := NewReader(w.Bytes())

	u8, err := r.U8()
	require.NoError(t, err)
	u16, err := r.U16()
	require.NoError(t, err)
	u64, err := r.U64()
	require.NoError(t, err)
	n, err := r.Uleb128()
	require.NoError(t, err)
	vec, err := r.Vec()
	require.NoError(t, err)

	assert.Equal(t, uint8(7), u8)
	assert.Equal(t, uint16(513), u16)
	assert.Equal(t, uint64(1<<40), u64)
	assert.Equal(t, uint64(16384), n)
	assert.Equal(t, []byte{9, 9, 9}, vec)
	assert.Zero(t, r.Remaining())

	_, err = r.U8()
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestReader_VecLongerThanInput(t *testing.T) {
	_, err := NewReader([]byte{0x05, 1, 2}).Vec()
	assert.ErrorIs(t, err, ErrShortBuffer)
}
