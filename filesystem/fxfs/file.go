package fxfs

import (
	"fmt"
	"io"

	"github.com/diskfs/go-fxfs/filesystem"
	"github.com/diskfs/go-fxfs/objectstore"
)

// File is an object of the root store
type File struct {
	handle *objectstore.StoreObjectHandle
}

var _ filesystem.File = (*File)(nil)

// OpenFile opens an existing object of the root store
func (fs *FileSystem) OpenFile(objectID uint64) (filesystem.File, error) {
	h, err := fs.RootStore().OpenObject(objectID)
	if err != nil {
		return nil, err
	}
	return &File{handle: h}, nil
}

// CreateFile creates an empty object in the root store
func (fs *FileSystem) CreateFile() (filesystem.File, error) {
	txn, err := fs.NewTransaction(objectstore.Options{})
	if err != nil {
		return nil, err
	}
	h, err := fs.RootStore().CreateObject(txn)
	if err != nil {
		txn.Drop()
		return nil, err
	}
	if _, err := txn.Commit(); err != nil {
		return nil, fmt.Errorf("could not create object: %w", err)
	}
	return &File{handle: h}, nil
}

// ObjectID returns the id of the object
func (f *File) ObjectID() uint64 {
	return f.handle.ObjectID()
}

// Size returns the object size in bytes
func (f *File) Size() int64 {
	return int64(f.handle.Size())
}

// ReadAt reads from the object. Reads that end past the object size return io.EOF.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	n, err := f.handle.Read(uint64(off), p)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes to the object, growing it as needed
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if err := f.handle.Write(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}
