// Package backend abstracts the storage an fxfs image lives on: an image file, a
// block device, or a byte range of either such as a partition.
//
// Devices only do positioned transfers, so Storage carries no stream methods.
package backend

import (
	"errors"
	"io"
	"io/fs"
	"os"
)

var (
	// ErrIncorrectOpenMode is returned for writes to storage that was opened read-only
	ErrIncorrectOpenMode = errors.New("image file or device not open for write")
	// ErrNotSuitable is returned when the storage cannot serve a request, e.g. there is
	// no OS file behind an in-memory image
	ErrNotSuitable = errors.New("backing storage is not suitable")
)

// Writer is the write side of a Storage
type Writer interface {
	io.WriterAt
}

// Storage is a byte-addressable medium holding an image
type Storage interface {
	io.ReaderAt
	io.Closer
	Stat() (fs.FileInfo, error)
	// Sys returns the OS file behind the storage, used for ioctl and fdatasync calls
	Sys() (*os.File, error)
	// Writable returns the write side, or ErrIncorrectOpenMode if the storage is read-only
	Writable() (Writer, error)
}
