package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLOBWriterSequentialWrites(t *testing.T) {
	w := NewLOBWriter(0)
	require.NoError(t, w.WriteBlock(0, []byte("hello ")))
	require.NoError(t, w.WriteBlock(6, []byte("world")))
	assert.Equal(t, "hello world", string(w.Bytes()))
}

func TestLOBWriterNonSequentialWrite(t *testing.T) {
	w := NewLOBWriter(0)
	require.NoError(t, w.WriteBlock(5, []byte("world")))
	require.NoError(t, w.WriteBlock(0, []byte("hello")))
	assert.Equal(t, "helloworld", string(w.Bytes()))
}

func TestLOBWriterRejectsOversizedBlock(t *testing.T) {
	w := NewLOBWriter(4)
	err := w.WriteBlock(0, []byte("too big"))
	assert.Error(t, err)
}

func TestLOBWriterRejectsNegativePosition(t *testing.T) {
	w := NewLOBWriter(0)
	err := w.WriteBlock(-1, []byte("x"))
	assert.Error(t, err)
}

func TestLOBReaderKnownLengthSizesLastBlockExactly(t *testing.T) {
	data := []byte("0123456789")
	r := NewLOBReader(data, 4, true)

	b1, more1 := r.ReadBlock()
	assert.Equal(t, "0123", string(b1))
	assert.True(t, more1)

	b2, more2 := r.ReadBlock()
	assert.Equal(t, "4567", string(b2))
	assert.True(t, more2)

	b3, more3 := r.ReadBlock()
	assert.Equal(t, "89", string(b3))
	assert.False(t, more3)
}

func TestLOBReaderUnknownLengthTrimsTrailingZeroPadding(t *testing.T) {
	data := append([]byte("abc"), 0, 0, 0)
	r := NewLOBReader(data, 10, false)

	block, more := r.ReadBlock()
	assert.False(t, more)
	assert.Equal(t, "abc", string(block))
}

func TestLOBReaderExhaustedReturnsNoMore(t *testing.T) {
	r := NewLOBReader([]byte("ab"), 10, true)
	_, more := r.ReadBlock()
	require.False(t, more)

	block, more2 := r.ReadBlock()
	assert.Nil(t, block)
	assert.False(t, more2)
}
