// Package device provides block-granular access to the storage that holds an
// fxfs image.
package device

import (
	"errors"
	"fmt"
	"io"

	"github.com/diskfs/go-fxfs/backend"
	"github.com/diskfs/go-fxfs/backend/file"
)

// DefaultBlockSize is the device block size used when none is requested
const DefaultBlockSize uint32 = 512

var (
	ErrUnaligned  = errors.New("device write is not block aligned")
	ErrOutOfRange = errors.New("device access beyond end of device")
)

// Device is a fixed-size array of blocks backed by a backend.Storage
type Device struct {
	storage   backend.Storage
	writable  backend.Writer
	blockSize uint32
	size      uint64
}

// New wraps a storage as a device. If the storage cannot be written, the device is read-only
// and every write fails with backend.ErrIncorrectOpenMode.
//
// blockSize must be a power of two; 0 selects DefaultBlockSize. The device size is the
// storage size rounded down to a whole number of blocks.
func New(b backend.Storage, blockSize uint32) (*Device, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("device block size %d is not a power of two", blockSize)
	}
	size, err := file.Size(b)
	if err != nil {
		return nil, fmt.Errorf("could not determine device size: %w", err)
	}
	d := &Device{
		storage:   b,
		blockSize: blockSize,
		size:      uint64(size) / uint64(blockSize) * uint64(blockSize),
	}
	if w, err := b.Writable(); err == nil {
		d.writable = w
	}
	return d, nil
}

// NewRange wraps the byte range [start, start+size) of a storage as a device, e.g. a partition
func NewRange(b backend.Storage, start, size int64, blockSize uint32) (*Device, error) {
	if start < 0 || size <= 0 {
		return nil, fmt.Errorf("invalid device range start %d size %d", start, size)
	}
	return New(backend.Sub(b, start, size), blockSize)
}

// BlockSize returns the device block size in bytes
func (d *Device) BlockSize() uint64 {
	return uint64(d.blockSize)
}

// Size returns the device size in bytes
func (d *Device) Size() uint64 {
	return d.size
}

// ReadOnly reports whether writes are refused
func (d *Device) ReadOnly() bool {
	return d.writable == nil
}

// ReadAt fills p from the device starting at offset. Reads need not be aligned.
func (d *Device) ReadAt(p []byte, offset uint64) error {
	if offset+uint64(len(p)) > d.size {
		return fmt.Errorf("read of %d bytes at %d on %d byte device: %w", len(p), offset, d.size, ErrOutOfRange)
	}
	n, err := d.storage.ReadAt(p, int64(offset))
	if err != nil && !(errors.Is(err, io.EOF) && n == len(p)) {
		return fmt.Errorf("could not read %d bytes at %d: %w", len(p), offset, err)
	}
	if n < len(p) {
		return fmt.Errorf("only read %d of %d bytes at %d: %w", n, len(p), offset, io.ErrUnexpectedEOF)
	}
	return nil
}

// WriteAt writes p to the device at offset. Both offset and length must be block multiples.
func (d *Device) WriteAt(p []byte, offset uint64) error {
	if d.writable == nil {
		return backend.ErrIncorrectOpenMode
	}
	bs := uint64(d.blockSize)
	if offset%bs != 0 || uint64(len(p))%bs != 0 {
		return fmt.Errorf("write of %d bytes at %d with block size %d: %w", len(p), offset, bs, ErrUnaligned)
	}
	if offset+uint64(len(p)) > d.size {
		return fmt.Errorf("write of %d bytes at %d on %d byte device: %w", len(p), offset, d.size, ErrOutOfRange)
	}
	n, err := d.writable.WriteAt(p, int64(offset))
	if err != nil {
		return fmt.Errorf("could not write %d bytes at %d: %w", len(p), offset, err)
	}
	if n < len(p) {
		return fmt.Errorf("only wrote %d of %d bytes at %d: %w", n, len(p), offset, io.ErrShortWrite)
	}
	return nil
}

// Flush makes previous writes durable. Storage that is not an OS file has nothing to flush.
func (d *Device) Flush() error {
	if d.writable == nil {
		return nil
	}
	f, err := d.storage.Sys()
	if errors.Is(err, backend.ErrNotSuitable) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not flush: %w", err)
	}
	if err := datasync(f); err != nil {
		return fmt.Errorf("could not flush %s: %w", f.Name(), err)
	}
	return nil
}

// Close closes the underlying storage
func (d *Device) Close() error {
	return d.storage.Close()
}
