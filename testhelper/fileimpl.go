package testhelper

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/diskfs/go-fxfs/backend"
)

type reader func(b []byte, offset int64) (int, error)
type writer func(b []byte, offset int64) (int, error)

// FileImpl is an in-memory backend.Storage used for testing.
//
// The contents outlive Close, so a test can drop a mounted filesystem without
// syncing and mount the same FileImpl again to simulate a crash. Reader and
// Writer, when set, replace the default transfer functions so tests can inject
// faults; they may call ReadRaw and WriteRaw to reach the underlying bytes.
type FileImpl struct {
	Reader reader
	Writer writer

	mu   sync.Mutex
	data []byte
}

// NewFileImpl returns a zero-filled in-memory file of the given size
func NewFileImpl(size int64) *FileImpl {
	return &FileImpl{data: make([]byte, size)}
}

// backend.Storage interface guard
var _ backend.Storage = (*FileImpl)(nil)

func (f *FileImpl) Stat() (os.FileInfo, error) {
	return nil, nil
}

// Size returns the length of the file
func (f *FileImpl) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data))
}

func (f *FileImpl) Close() error {
	return nil
}

// ReadAt read at a particular offset
func (f *FileImpl) ReadAt(b []byte, offset int64) (int, error) {
	if f.Reader != nil {
		return f.Reader(b, offset)
	}
	return f.ReadRaw(b, offset)
}

// WriteAt write at a particular offset
func (f *FileImpl) WriteAt(b []byte, offset int64) (int, error) {
	if f.Writer != nil {
		return f.Writer(b, offset)
	}
	return f.WriteRaw(b, offset)
}

// ReadRaw reads the stored bytes, bypassing any Reader hook
func (f *FileImpl) ReadRaw(b []byte, offset int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset < 0 || offset >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(b, f.data[offset:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

// WriteRaw stores bytes, bypassing any Writer hook
func (f *FileImpl) WriteRaw(b []byte, offset int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset < 0 || offset+int64(len(b)) > int64(len(f.data)) {
		return 0, fmt.Errorf("write of %d bytes at %d beyond end of %d byte file", len(b), offset, len(f.data))
	}
	return copy(f.data[offset:], b), nil
}

// FlipBit inverts a single bit of the stored bytes
func (f *FileImpl) FlipBit(offset int64, bit uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[offset] ^= 1 << (bit % 8)
}

// Bytes returns a copy of the stored bytes
func (f *FileImpl) Bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := make([]byte, len(f.data))
	copy(b, f.data)
	return b
}

func (f *FileImpl) Sys() (*os.File, error) {
	return nil, backend.ErrNotSuitable
}

func (f *FileImpl) Writable() (backend.Writer, error) {
	return f, nil
}
