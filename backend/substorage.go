package backend

import (
	"fmt"
	"io"
	"io/fs"
	"os"
)

// SubStorage exposes the byte range [offset, offset+size) of another Storage
// as if it started at 0. It is how a filesystem is mounted from a partition
// inside a larger disk image.
type SubStorage struct {
	underlying Storage
	offset     int64
	size       int64
}

// Sub returns the byte range [offset, offset+size) of u
func Sub(u Storage, offset, size int64) Storage {
	return SubStorage{
		underlying: u,
		offset:     offset,
		size:       size,
	}
}

// Size returns the length of the visible range
func (s SubStorage) Size() int64 {
	return s.size
}

func (s SubStorage) Stat() (fs.FileInfo, error) {
	return s.underlying.Stat()
}

func (s SubStorage) Close() error {
	return s.underlying.Close()
}

func (s SubStorage) ReadAt(p []byte, off int64) (int, error) {
	p, short := clip(p, off, s.size)
	n, err := s.underlying.ReadAt(p, s.offset+off)
	if err == nil && short {
		err = io.EOF
	}
	return n, err
}

func (s SubStorage) Sys() (*os.File, error) {
	return s.underlying.Sys()
}

func (s SubStorage) Writable() (Writer, error) {
	uw, err := s.underlying.Writable()
	if err != nil {
		return nil, err
	}
	return subWriter{
		underlying: uw,
		offset:     s.offset,
		size:       s.size,
	}, nil
}

type subWriter struct {
	underlying Writer
	offset     int64
	size       int64
}

func (sw subWriter) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > sw.size {
		return 0, fmt.Errorf("write of %d bytes at %d outside %d byte range: %w", len(p), off, sw.size, io.ErrShortWrite)
	}
	return sw.underlying.WriteAt(p, sw.offset+off)
}

// clip trims p so that a transfer at off stays inside a range of the given size
func clip(p []byte, off, size int64) ([]byte, bool) {
	if off < 0 || off >= size {
		return p[:0], len(p) > 0
	}
	if remaining := size - off; int64(len(p)) > remaining {
		return p[:remaining], true
	}
	return p, false
}
