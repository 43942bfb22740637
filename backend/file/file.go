// Package file provides backend.Storage over image files and block devices.
package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/diskfs/go-fxfs/backend"
)

// image is an OS file holding an fxfs image, either a regular file or a block device
type image struct {
	f        *os.File
	readOnly bool
}

// OpenFromPath opens a block device or image file, e.g. /dev/sdb or /tmp/fxfs.img.
// The device or file must already exist. A writable open is exclusive, so a block
// device that is mounted elsewhere is refused.
func OpenFromPath(pathName string, readOnly bool) (backend.Storage, error) {
	if pathName == "" {
		return nil, errors.New("must pass device or file name")
	}
	if _, err := os.Stat(pathName); os.IsNotExist(err) {
		return nil, fmt.Errorf("provided device/file %s does not exist", pathName)
	}

	openMode := os.O_RDONLY
	if !readOnly {
		openMode = os.O_RDWR | os.O_EXCL
	}
	f, err := os.OpenFile(pathName, openMode, 0o600)
	if err != nil {
		return nil, fmt.Errorf("could not open %s with mode %v: %w", pathName, openMode, err)
	}
	return &image{f: f, readOnly: readOnly}, nil
}

// CreateFromPath creates a zero-filled image file of the given size. The file must not
// exist yet.
func CreateFromPath(pathName string, size int64) (backend.Storage, error) {
	if pathName == "" {
		return nil, errors.New("must pass image file name")
	}
	if size <= 0 {
		return nil, errors.New("must pass valid image size to create")
	}
	f, err := os.OpenFile(pathName, os.O_RDWR|os.O_EXCL|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("could not create image %s: %w", pathName, err)
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("could not expand image %s to size %d: %w", pathName, size, err)
	}
	return &image{f: f}, nil
}

// Size reports the usable size in bytes of a storage. Storage that knows its own size,
// such as a byte range, reports it; regular files report their length and block devices
// are asked through an ioctl.
func Size(s backend.Storage) (int64, error) {
	if sized, ok := s.(interface{ Size() int64 }); ok {
		return sized.Size(), nil
	}
	info, err := s.Stat()
	if err != nil {
		return 0, fmt.Errorf("could not stat backing storage: %w", err)
	}
	if info == nil {
		return 0, backend.ErrNotSuitable
	}
	mode := info.Mode()
	switch {
	case mode.IsRegular():
		return info.Size(), nil
	case mode&os.ModeDevice != 0:
		f, err := s.Sys()
		if err != nil {
			return 0, err
		}
		return deviceSize(f)
	default:
		return 0, fmt.Errorf("%s is neither a block device nor a regular file: %w", info.Name(), backend.ErrNotSuitable)
	}
}

// backend.Storage interface guard
var _ backend.Storage = (*image)(nil)

func (i *image) ReadAt(p []byte, off int64) (int, error) {
	return i.f.ReadAt(p, off)
}

func (i *image) Stat() (fs.FileInfo, error) {
	return i.f.Stat()
}

func (i *image) Close() error {
	return i.f.Close()
}

func (i *image) Sys() (*os.File, error) {
	return i.f, nil
}

func (i *image) Writable() (backend.Writer, error) {
	if i.readOnly {
		return nil, backend.ErrIncorrectOpenMode
	}
	return i.f, nil
}
