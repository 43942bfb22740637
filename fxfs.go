// Package fxfs creates and opens fxfs filesystems, whether on block devices in /dev or
// in image files.
//
// An fxfs filesystem is a set of object stores. Metadata changes are committed as
// transactions to a write-ahead journal, and two alternating super-blocks record where
// replay of the journal has to start. This package does **not** mount anything through
// the operating system; it reads and writes the image bytes directly.
//
// Some examples:
//
// 1. Create a 16MB image and store an object in it.
//
//	import "github.com/diskfs/go-fxfs"
//
//	fs, err := fxfs.Create("/tmp/fxfs.img", 16*1024*1024)
//	f, err := fs.CreateFile()
//	_, err = f.WriteAt([]byte("hello"), 0)
//	err = fs.Sync(fxfs.SyncOptions{Flush: true})
//
// 2. Open the image again, replaying its journal, and read the object back.
//
//	fs, err := fxfs.Open("/tmp/fxfs.img")
//	f, err := fs.OpenFile(objectID)
//	b := make([]byte, f.Size())
//	_, err = f.ReadAt(b, 0)
package fxfs

import (
	"errors"
	"fmt"
	"os"

	"github.com/diskfs/go-fxfs/backend"
	"github.com/diskfs/go-fxfs/backend/file"
	"github.com/diskfs/go-fxfs/device"
	fxfilesystem "github.com/diskfs/go-fxfs/filesystem/fxfs"
)

// SyncOptions control FileSystem.Sync
type SyncOptions = fxfilesystem.SyncOptions

// OpenModeOption represents the mode a device or image is opened with
type OpenModeOption int

const (
	// ReadOnly opens the image so that no writes are possible
	ReadOnly OpenModeOption = iota
	// ReadWriteExclusive opens the image for writing with O_EXCL
	ReadWriteExclusive
)

func (m OpenModeOption) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case ReadWriteExclusive:
		return "read-write exclusive"
	}
	return fmt.Sprintf("OpenModeOption(%d)", int(m))
}

type openOpts struct {
	mode      OpenModeOption
	blockSize uint32
	params    fxfilesystem.Params
	// offset and length select a byte range of the storage; length 0 runs to its end
	offset int64
	length int64
}

// OpenOpt configures Open and Create
type OpenOpt func(o *openOpts) error

// WithOpenMode sets the mode the image is opened with
func WithOpenMode(mode OpenModeOption) OpenOpt {
	return func(o *openOpts) error {
		o.mode = mode
		return nil
	}
}

// WithBlockSize sets the device block size. Without it, block devices report their
// logical sector size and image files use device.DefaultBlockSize.
func WithBlockSize(blockSize uint32) OpenOpt {
	return func(o *openOpts) error {
		if blockSize == 0 || blockSize&(blockSize-1) != 0 {
			return fmt.Errorf("block size %d is not a power of two", blockSize)
		}
		o.blockSize = blockSize
		return nil
	}
}

// WithRange places the filesystem in the byte range [offset, offset+length) of the device
// or image, e.g. a partition. A length of 0 extends the range to the end.
func WithRange(offset, length int64) OpenOpt {
	return func(o *openOpts) error {
		if offset < 0 || length < 0 {
			return fmt.Errorf("invalid range offset %d length %d", offset, length)
		}
		o.offset = offset
		o.length = length
		return nil
	}
}

// WithParams sets the filesystem parameters
func WithParams(p fxfilesystem.Params) OpenOpt {
	return func(o *openOpts) error {
		o.params = p
		return nil
	}
}

func applyOpts(opts []OpenOpt) (*openOpts, error) {
	o := &openOpts{mode: ReadWriteExclusive}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Open mounts the fxfs filesystem on a block device, e.g. /dev/sdb, or in an image file,
// e.g. /tmp/fxfs.img. The device or file must exist.
func Open(pathName string, opts ...OpenOpt) (*fxfilesystem.FileSystem, error) {
	o, err := applyOpts(opts)
	if err != nil {
		return nil, err
	}
	storage, err := file.OpenFromPath(pathName, o.mode == ReadOnly)
	if err != nil {
		return nil, err
	}
	dev, err := openDevice(storage, o)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	fs, err := fxfilesystem.Open(dev, o.params)
	if err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("could not open fxfs on %s: %w", pathName, err)
	}
	return fs, nil
}

// OpenDevice opens a block device or image file as a device without mounting it, e.g.
// to inspect its super-blocks
func OpenDevice(pathName string, opts ...OpenOpt) (*device.Device, error) {
	o, err := applyOpts(opts)
	if err != nil {
		return nil, err
	}
	storage, err := file.OpenFromPath(pathName, o.mode == ReadOnly)
	if err != nil {
		return nil, err
	}
	dev, err := openDevice(storage, o)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	return dev, nil
}

// Create makes a new image file of the given size and formats it. The file must not exist.
// The new filesystem is synced before it is returned.
func Create(pathName string, size int64, opts ...OpenOpt) (*fxfilesystem.FileSystem, error) {
	o, err := applyOpts(opts)
	if err != nil {
		return nil, err
	}
	if o.mode == ReadOnly {
		return nil, errors.New("cannot create an image in read-only mode")
	}
	storage, err := file.CreateFromPath(pathName, size)
	if err != nil {
		return nil, err
	}
	return format(storage, o)
}

// Format formats an existing block device or image file, overwriting whatever it held
func Format(pathName string, opts ...OpenOpt) (*fxfilesystem.FileSystem, error) {
	o, err := applyOpts(opts)
	if err != nil {
		return nil, err
	}
	if o.mode == ReadOnly {
		return nil, errors.New("cannot format in read-only mode")
	}
	storage, err := file.OpenFromPath(pathName, false)
	if err != nil {
		return nil, err
	}
	return format(storage, o)
}

func format(storage backend.Storage, o *openOpts) (*fxfilesystem.FileSystem, error) {
	dev, err := openDevice(storage, o)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	fs, err := fxfilesystem.NewEmpty(dev, o.params)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	if err := fs.Sync(SyncOptions{Flush: true}); err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("could not write initial super-block: %w", err)
	}
	return fs, nil
}

// openDevice wraps storage, or the range of it the options select, as a device. Block
// devices use their logical sector size unless a block size is set.
func openDevice(storage backend.Storage, o *openOpts) (*device.Device, error) {
	blockSize := o.blockSize
	if blockSize == 0 {
		blockSize = device.DefaultBlockSize
		if bs, ok, err := deviceBlockSize(storage); err != nil {
			return nil, err
		} else if ok {
			blockSize = bs
		}
	}
	if o.offset == 0 && o.length == 0 {
		return device.New(storage, blockSize)
	}
	if o.offset%int64(blockSize) != 0 {
		return nil, fmt.Errorf("range offset %d is not a multiple of the block size %d", o.offset, blockSize)
	}
	size, err := file.Size(storage)
	if err != nil {
		return nil, err
	}
	length := o.length
	if length == 0 {
		length = size - o.offset
	}
	if o.offset+length > size {
		return nil, fmt.Errorf("range offset %d length %d exceeds the %d byte storage", o.offset, length, size)
	}
	return device.NewRange(storage, o.offset, length, blockSize)
}

// deviceBlockSize asks a block device for its logical sector size. ok is false for
// anything that is not a block device.
func deviceBlockSize(storage backend.Storage) (blockSize uint32, ok bool, err error) {
	info, err := storage.Stat()
	if err != nil || info == nil || info.Mode()&os.ModeDevice == 0 {
		return 0, false, nil
	}
	f, err := storage.Sys()
	if err != nil {
		return 0, false, nil
	}
	logical, _, err := getSectorSizes(f)
	if err != nil {
		return 0, false, fmt.Errorf("unable to get block sizes for device %s: %w", f.Name(), err)
	}
	if logical <= 0 || logical&(logical-1) != 0 {
		return 0, false, fmt.Errorf("device %s reports block size %d", f.Name(), logical)
	}
	return uint32(logical), true, nil
}
