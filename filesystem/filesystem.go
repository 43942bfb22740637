// Package filesystem provides interfaces and constants required for filesystem implementations.
// The fxfs implementation is in the subpackage github.com/diskfs/go-fxfs/filesystem/fxfs
package filesystem

import (
	"errors"
)

var (
	ErrNotSupported       = errors.New("method not supported by this filesystem")
	ErrReadonlyFilesystem = errors.New("read-only filesystem")
	ErrClosed             = errors.New("filesystem is closed")
)

// FileSystem is a reference to a single mounted filesystem
type FileSystem interface {
	// Type return the type of filesystem
	Type() Type
	// OpenFile opens an existing object of the root store
	OpenFile(objectID uint64) (File, error)
	// CreateFile creates an empty object in the root store
	CreateFile() (File, error)
	// Label get the label for the filesystem: its GUID
	Label() string
	// Close releases the filesystem. Changes that were not synced are lost.
	Close() error
}

// Type represents the type of filesystem this is
type Type int

const (
	// TypeFxfs is an fxfs object-store filesystem
	TypeFxfs Type = iota
)

func (t Type) String() string {
	switch t {
	case TypeFxfs:
		return "fxfs"
	}
	return "unknown"
}
