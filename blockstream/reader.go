package blockstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ReadHandle is the object a Reader streams blocks from
type ReadHandle interface {
	// Read fills p from offset and returns the number of bytes read
	Read(offset uint64, p []byte) (int, error)
	// Size is the readable length of the object; it may grow while a Reader is open
	Size() uint64
}

// ReadResult reports how a read ended
type ReadResult int

const (
	// ReadSome means a record was decoded or more data was loaded
	ReadSome ReadResult = iota
	// ReadReset means a reset block was found; data buffered before it was discarded
	ReadReset
	// ReadChecksumMismatch means the next block did not validate. This is the normal end of a stream.
	ReadChecksumMismatch
)

func (r ReadResult) String() string {
	switch r {
	case ReadSome:
		return "some"
	case ReadReset:
		return "reset"
	case ReadChecksumMismatch:
		return "checksum mismatch"
	}
	return fmt.Sprintf("ReadResult(%d)", int(r))
}

// Reader validates blocks and decodes records from a stream.
type Reader struct {
	handle    ReadHandle
	blockSize uint64
	// buf holds validated data that has not been consumed
	buf []byte
	// blockStart is the offset of the block holding buf[0], or of the next block to load
	blockStart uint64
	// headPos is the position of buf[0] within the data area of that block
	headPos uint64
	// seed is the checksum seeding the block at blockStart
	seed uint64
	// sums holds the checksums of the loaded blocks starting at blockStart
	sums []uint64
}

// NewReader starts reading at cp. The offset does not need to be block aligned.
func NewReader(handle ReadHandle, blockSize int, cp Checkpoint) *Reader {
	bs := uint64(blockSize)
	if bs <= ChecksumSize || (bs-ChecksumSize)%4 != 0 {
		panic(fmt.Sprintf("invalid stream block size %d", blockSize))
	}
	return &Reader{
		handle:     handle,
		blockSize:  bs,
		blockStart: cp.FileOffset / bs * bs,
		headPos:    cp.FileOffset % bs,
		seed:       cp.Checksum,
	}
}

// Handle returns the handle being read
func (r *Reader) Handle() ReadHandle {
	return r.handle
}

func (r *Reader) dataSize() uint64 {
	return r.blockSize - ChecksumSize
}

// Checkpoint returns the position of the next unconsumed byte
func (r *Reader) Checkpoint() Checkpoint {
	return Checkpoint{FileOffset: r.blockStart + r.headPos, Checksum: r.seed}
}

// ResumeCheckpoint returns the block boundary after the last validated block and the
// checksum of that block. A writer continuing the stream starts here.
func (r *Reader) ResumeCheckpoint() Checkpoint {
	cp := Checkpoint{
		FileOffset: r.blockStart + uint64(len(r.sums))*r.blockSize,
		Checksum:   r.seed,
	}
	if len(r.sums) > 0 {
		cp.Checksum = r.sums[len(r.sums)-1]
	}
	return cp
}

// Buffer returns the validated data that has not been consumed
func (r *Reader) Buffer() []byte {
	return r.buf
}

// Consume drops n bytes from the head of the buffer
func (r *Reader) Consume(n int) {
	if n < 0 || n > len(r.buf) {
		panic(fmt.Sprintf("consume %d of %d buffered bytes", n, len(r.buf)))
	}
	r.buf = r.buf[n:]
	pos := r.headPos + uint64(n)
	if j := pos / r.dataSize(); j > 0 {
		r.blockStart += j * r.blockSize
		r.seed = r.sums[j-1]
		r.sums = r.sums[j:]
	}
	r.headPos = pos % r.dataSize()
}

// SkipToEndOfBlock discards the rest of the current block
func (r *Reader) SkipToEndOfBlock() {
	if r.headPos == 0 {
		return
	}
	n := r.dataSize() - r.headPos
	if n > uint64(len(r.buf)) {
		n = uint64(len(r.buf))
	}
	r.Consume(int(n))
}

// FillBuf loads and validates the next block
func (r *Reader) FillBuf() (ReadResult, error) {
	next := r.blockStart + uint64(len(r.sums))*r.blockSize
	seed := r.seed
	if len(r.sums) > 0 {
		seed = r.sums[len(r.sums)-1]
	}
	if next+r.blockSize > r.handle.Size() {
		return ReadChecksumMismatch, nil
	}
	block := make([]byte, r.blockSize)
	n, err := r.handle.Read(next, block)
	if err != nil {
		return ReadSome, fmt.Errorf("could not read block at offset %d: %w", next, err)
	}
	if uint64(n) < r.blockSize {
		return ReadChecksumMismatch, nil
	}
	data := block[:r.dataSize()]
	stored := binary.LittleEndian.Uint64(block[r.dataSize():])
	switch stored {
	case Fletcher64(data, seed):
		if len(r.sums) == 0 {
			data = data[r.headPos:]
		}
		r.buf = append(r.buf, data...)
		r.sums = append(r.sums, stored)
		return ReadSome, nil
	case Fletcher64(data, seed^ResetXOR):
		r.buf = append(r.buf[:0], data...)
		r.blockStart = next
		r.headPos = 0
		r.seed = seed ^ ResetXOR
		r.sums = []uint64{stored}
		return ReadReset, nil
	}
	return ReadChecksumMismatch, nil
}

// Deserialize decodes the next record into v, loading blocks as needed. It returns
// ReadSome when v was filled in; any other result leaves v untouched.
func (r *Reader) Deserialize(v any) (ReadResult, error) {
	for {
		if len(r.buf) > 0 {
			rest, err := decMode.UnmarshalFirst(r.buf, v)
			switch {
			case err == nil:
				r.Consume(len(r.buf) - len(rest))
				return ReadSome, nil
			case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
			default:
				return ReadSome, fmt.Errorf("could not decode record at %s: %w", r.Checkpoint(), err)
			}
		}
		res, err := r.FillBuf()
		if err != nil || res != ReadSome {
			return res, err
		}
	}
}

// TakeHandle returns the handle and detaches it from the reader
func (r *Reader) TakeHandle() ReadHandle {
	h := r.handle
	r.handle = nil
	return h
}
