package filesystem

import (
	"io"
)

// File a reference to a single object on disk
type File interface {
	io.ReaderAt
	io.WriterAt
	// ObjectID returns the id of the object
	ObjectID() uint64
	// Size returns the object size in bytes
	Size() int64
}
