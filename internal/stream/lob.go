package stream

import (
	"bytes"
	"io"
	"sync"

	"github.com/ojp-proxy/ojp-go/internal/errmap"
)

// DefaultMaxLOBBlock bounds the size of one LOB write/read block, per
// spec.md §4.F's MAX_LOB_BLOCK.
const DefaultMaxLOBBlock = 1 << 20 // 1 MiB

// LOBWriter accumulates blocks written to a server-side LOB handle. It
// supports non-sequential writes by position for back-ends that allow
// random access (modeled here as an in-memory byte buffer addressed by
// offset, since the back-end driver interface this proxy targets has no
// native random-access LOB write primitive); binary-stream LOBs are
// instead accumulated through an input channel the caller drains into the
// underlying driver call, mirroring the streaming `setBinaryStream`
// pattern spec.md §4.F describes.
type LOBWriter struct {
	maxBlock int

	mu   sync.Mutex
	data []byte
}

// NewLOBWriter builds a writer bounding each accepted block to maxBlock
// bytes (DefaultMaxLOBBlock when zero).
func NewLOBWriter(maxBlock int) *LOBWriter {
	if maxBlock <= 0 {
		maxBlock = DefaultMaxLOBBlock
	}
	return &LOBWriter{maxBlock: maxBlock}
}

// WriteBlock writes block at the given byte position, extending the
// buffer with zero bytes if position is past the current end.
func (w *LOBWriter) WriteBlock(position int64, block []byte) error {
	if len(block) > w.maxBlock {
		return errmap.New(errmap.KindConfigInvalid, "LOB block of %d bytes exceeds max %d", len(block), w.maxBlock)
	}
	if position < 0 {
		return errmap.New(errmap.KindConfigInvalid, "LOB write position must be non-negative, got %d", position)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	end := position + int64(len(block))
	if end > int64(len(w.data)) {
		grown := make([]byte, end)
		copy(grown, w.data)
		w.data = grown
	}
	copy(w.data[position:end], block)
	return nil
}

// Bytes returns the accumulated LOB contents.
func (w *LOBWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]byte, len(w.data))
	copy(out, w.data)
	return out
}

// StreamInto drains a channel of blocks into a target io.Writer in order,
// the streaming path spec.md §4.F describes for binary-stream LOBs driven
// from an input channel. It returns once blocks is closed and drained, or
// at the first write error.
func StreamInto(w io.Writer, blocks <-chan []byte) error {
	for block := range blocks {
		if _, err := w.Write(block); err != nil {
			return errmap.New(errmap.KindBackendSQLError, "streaming LOB block: %v", err)
		}
	}
	return nil
}

// LOBReader serves bounded blocks of a server-side LOB back to the client.
// When the total length is known, the final block is sized exactly;
// otherwise trailing zero padding is trimmed from the last block, per
// spec.md §4.F.
type LOBReader struct {
	data        []byte
	maxBlock    int
	knownLength bool
	pos         int
}

// NewLOBReader builds a reader over data. knownLength should be true when
// the caller already knows data's exact length (e.g. a back-end that
// reports LOB length up front); when false, trailing zero bytes in the
// final block are trimmed to emulate a length-less streaming source.
func NewLOBReader(data []byte, maxBlock int, knownLength bool) *LOBReader {
	if maxBlock <= 0 {
		maxBlock = DefaultMaxLOBBlock
	}
	return &LOBReader{data: data, maxBlock: maxBlock, knownLength: knownLength}
}

// Pos returns the byte offset the next ReadBlock call will start from, so a
// caller can tag the block it is about to emit with its starting position.
func (r *LOBReader) Pos() int64 {
	return int64(r.pos)
}

// ReadBlock returns the next block and whether more data follows.
func (r *LOBReader) ReadBlock() (block []byte, more bool) {
	if r.pos >= len(r.data) {
		return nil, false
	}
	end := r.pos + r.maxBlock
	if end > len(r.data) {
		end = len(r.data)
	}
	block = r.data[r.pos:end]
	r.pos = end
	more = r.pos < len(r.data)

	if !more && !r.knownLength {
		block = bytes.TrimRight(block, "\x00")
	}
	return block, more
}
