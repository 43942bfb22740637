package blockstream

import (
	"encoding/binary"
	"fmt"
)

// WriteHandle is the object a Writer flushes finished blocks to
type WriteHandle interface {
	// Overwrite writes p at offset. The range must already be allocated to the object.
	Overwrite(offset uint64, p []byte) error
}

// Writer serializes records into checksummed blocks. Data is buffered until
// MaybeFlushBuffer writes every finished block to the handle.
//
// A Writer is not safe for concurrent use; the journal serializes access with its writer lock.
type Writer struct {
	handle    WriteHandle
	blockSize int
	// buf holds the bytes that have not been flushed yet. It always starts on a block boundary.
	buf []byte
	// bufOffset is the stream offset of buf[0]
	bufOffset uint64
	// checksum is the checksum of the last finished block, i.e. the seed for the current one
	checksum uint64
}

// NewWriter creates a writer at offset 0 whose first block is seeded with checksum.
// blockSize must leave a data area that is a multiple of 4 bytes.
func NewWriter(handle WriteHandle, blockSize int, checksum uint64) *Writer {
	if blockSize <= ChecksumSize || (blockSize-ChecksumSize)%4 != 0 {
		panic(fmt.Sprintf("invalid stream block size %d", blockSize))
	}
	return &Writer{
		handle:    handle,
		blockSize: blockSize,
		checksum:  checksum,
	}
}

// BlockSize returns the size of each block including its checksum
func (w *Writer) BlockSize() int {
	return w.blockSize
}

func (w *Writer) dataSize() int {
	return w.blockSize - ChecksumSize
}

// Checkpoint returns the position of the next byte to be written
func (w *Writer) Checkpoint() Checkpoint {
	return Checkpoint{
		FileOffset: w.bufOffset + uint64(len(w.buf)),
		Checksum:   w.checksum,
	}
}

// OffsetAfter returns the stream offset the writer would reach after writing n more bytes,
// counting the checksums of the blocks they finish
func (w *Writer) OffsetAfter(n int) uint64 {
	blockStart := w.bufOffset + uint64(len(w.buf)/w.blockSize*w.blockSize)
	pos := len(w.buf)%w.blockSize + n
	full := pos / w.dataSize()
	return blockStart + uint64(full*w.blockSize+pos%w.dataSize())
}

// Handle returns the handle blocks are flushed to, or nil
func (w *Writer) Handle() WriteHandle {
	return w.handle
}

// SetHandle replaces the handle blocks are flushed to
func (w *Writer) SetHandle(h WriteHandle) {
	w.handle = h
}

// Buffered returns the number of bytes that have not been flushed
func (w *Writer) Buffered() int {
	return len(w.buf)
}

// Write appends p to the stream, finishing blocks as their data areas fill up.
// It never fails; errors surface when the buffer is flushed.
func (w *Writer) Write(p []byte) (int, error) {
	n := len(p)
	dataSize := w.dataSize()
	for len(p) > 0 {
		pos := len(w.buf) % w.blockSize
		c := dataSize - pos
		if c > len(p) {
			c = len(p)
		}
		w.buf = append(w.buf, p[:c]...)
		p = p[c:]
		if pos+c == dataSize {
			w.finishBlock()
		}
	}
	return n, nil
}

// WriteRecord encodes v and appends it to the stream
func (w *Writer) WriteRecord(v any) error {
	b, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("could not encode record: %w", err)
	}
	_, _ = w.Write(b)
	return nil
}

func (w *Writer) finishBlock() {
	start := len(w.buf) - w.dataSize()
	w.checksum = Fletcher64(w.buf[start:], w.checksum)
	w.buf = binary.LittleEndian.AppendUint64(w.buf, w.checksum)
}

// PadToBlock zero-fills the current block, if one has been started, and finishes it
func (w *Writer) PadToBlock() {
	pos := len(w.buf) % w.blockSize
	if pos == 0 {
		return
	}
	w.buf = append(w.buf, make([]byte, w.dataSize()-pos)...)
	w.finishBlock()
}

// MaybeFlushBuffer writes every finished block to the handle. Bytes of a partially filled
// block stay buffered. Without a handle this is a no-op. On failure the buffer is left
// untouched so that a later call retries the same blocks.
func (w *Writer) MaybeFlushBuffer() error {
	if w.handle == nil {
		return nil
	}
	n := len(w.buf) / w.blockSize * w.blockSize
	if n == 0 {
		return nil
	}
	if err := w.handle.Overwrite(w.bufOffset, w.buf[:n]); err != nil {
		return fmt.Errorf("could not write blocks at offset %d: %w", w.bufOffset, err)
	}
	w.buf = append([]byte(nil), w.buf[n:]...)
	w.bufOffset += uint64(n)
	return nil
}

// FlushBuffer pads the current block and writes everything buffered
func (w *Writer) FlushBuffer() error {
	w.PadToBlock()
	return w.MaybeFlushBuffer()
}

// SeekToCheckpoint repositions an empty writer at a block-aligned checkpoint. With reset set
// the next block is seeded so that readers can tell the stream was restarted there.
func (w *Writer) SeekToCheckpoint(cp Checkpoint, reset bool) {
	if len(w.buf) != 0 {
		panic("seek on a writer with buffered data")
	}
	if cp.FileOffset%uint64(w.blockSize) != 0 {
		panic(fmt.Sprintf("seek to unaligned offset %d", cp.FileOffset))
	}
	w.bufOffset = cp.FileOffset
	w.checksum = cp.Checksum
	if reset {
		w.checksum ^= ResetXOR
	}
}
