package objectstore

import "errors"

var (
	// ErrNotFound is returned when an object or store does not exist
	ErrNotFound = errors.New("object not found")
	// ErrAlreadyExists is returned when creating an object with an id that is in use
	ErrAlreadyExists = errors.New("object already exists")
	// ErrNoSpace is returned when the allocator cannot satisfy a request
	ErrNoSpace = errors.New("no space left on device")
	// ErrInconsistent indicates on-disk metadata that contradicts itself
	ErrInconsistent = errors.New("filesystem metadata is inconsistent")
	// ErrOutOfRange is returned when an overwrite touches unallocated space
	ErrOutOfRange = errors.New("range is not allocated")
)
