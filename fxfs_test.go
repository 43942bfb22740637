package fxfs_test

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	fxfs "github.com/diskfs/go-fxfs"
	"github.com/diskfs/go-fxfs/filesystem"
	fxfilesystem "github.com/diskfs/go-fxfs/filesystem/fxfs"
)

const imageSize = 16 * 1024 * 1024

func quietParams() fxfilesystem.Params {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return fxfilesystem.Params{Logger: log}
}

func TestCreateOpen(t *testing.T) {
	img := filepath.Join(t.TempDir(), "fxfs.img")
	data := []byte("hello")

	fs, err := fxfs.Create(img, imageSize, fxfs.WithParams(quietParams()))
	require.NoError(t, err)
	f, err := fs.CreateFile()
	require.NoError(t, err)
	_, err = f.WriteAt(data, 0)
	require.NoError(t, err)
	objectID := f.ObjectID()
	require.NoError(t, fs.Sync(fxfs.SyncOptions{Flush: true}))
	require.NoError(t, fs.Close())

	tests := []struct {
		name string
		mode fxfs.OpenModeOption
	}{
		{"read-write", fxfs.ReadWriteExclusive},
		{"read-only", fxfs.ReadOnly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, err := fxfs.Open(img, fxfs.WithOpenMode(tt.mode), fxfs.WithParams(quietParams()))
			require.NoError(t, err)
			defer fs.Close()
			f, err := fs.OpenFile(objectID)
			require.NoError(t, err)
			b := make([]byte, f.Size())
			_, err = f.ReadAt(b, 0)
			require.NoError(t, err)
			if !bytes.Equal(b, data) {
				t.Errorf("object %d = %q, want %q", objectID, b, data)
			}
			_, err = fs.CreateFile()
			if tt.mode == fxfs.ReadOnly && !errors.Is(err, filesystem.ErrReadonlyFilesystem) {
				t.Errorf("CreateFile() = %v, want %v", err, filesystem.ErrReadonlyFilesystem)
			}
			if tt.mode != fxfs.ReadOnly && err != nil {
				t.Errorf("CreateFile() = %v", err)
			}
		})
	}
}

func TestCreateErrors(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.img")
	require.NoError(t, os.WriteFile(existing, nil, 0o600))

	tests := []struct {
		name string
		path string
		size int64
		opts []fxfs.OpenOpt
	}{
		{"empty path", "", imageSize, nil},
		{"existing file", existing, imageSize, nil},
		{"zero size", filepath.Join(dir, "zero.img"), 0, nil},
		{"too small", filepath.Join(dir, "small.img"), 1024 * 1024, nil},
		{"read-only", filepath.Join(dir, "ro.img"), imageSize, []fxfs.OpenOpt{fxfs.WithOpenMode(fxfs.ReadOnly)}},
		{"bad block size", filepath.Join(dir, "bs.img"), imageSize, []fxfs.OpenOpt{fxfs.WithBlockSize(1000)}},
	}
	for _, tt := range tests {
		opts := append([]fxfs.OpenOpt{fxfs.WithParams(quietParams())}, tt.opts...)
		if fs, err := fxfs.Create(tt.path, tt.size, opts...); err == nil {
			_ = fs.Close()
			t.Errorf("%s: Create() did not fail", tt.name)
		}
	}
}

func TestOpenUnformatted(t *testing.T) {
	img := filepath.Join(t.TempDir(), "blank.img")
	require.NoError(t, os.WriteFile(img, make([]byte, imageSize), 0o600))
	if _, err := fxfs.Open(img, fxfs.WithParams(quietParams())); err == nil {
		t.Errorf("Open() of a blank image did not fail")
	}
	if _, err := fxfs.Open(filepath.Join(t.TempDir(), "missing.img")); err == nil {
		t.Errorf("Open() of a missing image did not fail")
	}
}

func TestFormat(t *testing.T) {
	img := filepath.Join(t.TempDir(), "fxfs.img")
	require.NoError(t, os.WriteFile(img, make([]byte, imageSize), 0o600))

	fs, err := fxfs.Format(img, fxfs.WithBlockSize(4096), fxfs.WithParams(quietParams()))
	require.NoError(t, err)
	if bs := fs.Device().BlockSize(); bs != 4096 {
		t.Errorf("block size = %d, want 4096", bs)
	}
	sb, _ := fs.SuperBlock()
	require.NoError(t, fs.Close())

	fs, err = fxfs.Open(img, fxfs.WithBlockSize(4096), fxfs.WithParams(quietParams()))
	require.NoError(t, err)
	defer fs.Close()
	if got, _ := fs.SuperBlock(); got.GUID != sb.GUID {
		t.Errorf("GUID after reopen = %s, want %s", got.GUID, sb.GUID)
	}
}

func TestRange(t *testing.T) {
	const (
		offset = 1024 * 1024
		tail   = 64 * 1024
	)
	img := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(img, bytes.Repeat([]byte{0xcc}, offset+imageSize+tail), 0o600))

	fs, err := fxfs.Format(img, fxfs.WithRange(offset, imageSize), fxfs.WithParams(quietParams()))
	require.NoError(t, err)
	if size := fs.Device().Size(); size != imageSize {
		t.Errorf("device size = %d, want %d", size, imageSize)
	}
	f, err := fs.CreateFile()
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("partition"), 0)
	require.NoError(t, err)
	objectID := f.ObjectID()
	require.NoError(t, fs.Sync(fxfs.SyncOptions{Flush: true}))
	require.NoError(t, fs.Close())

	raw, err := os.ReadFile(img)
	require.NoError(t, err)
	outside := append(append([]byte{}, raw[:offset]...), raw[offset+imageSize:]...)
	if !bytes.Equal(outside, bytes.Repeat([]byte{0xcc}, len(outside))) {
		t.Errorf("bytes outside the range were written")
	}

	if fs, err := fxfs.Open(img, fxfs.WithOpenMode(fxfs.ReadOnly), fxfs.WithParams(quietParams())); err == nil {
		_ = fs.Close()
		t.Errorf("Open() without the range did not fail")
	}

	// a length of 0 runs to the end of the image, past the formatted size
	fs, err = fxfs.Open(img, fxfs.WithOpenMode(fxfs.ReadOnly), fxfs.WithRange(offset, 0), fxfs.WithParams(quietParams()))
	require.NoError(t, err)
	defer fs.Close()
	f, err = fs.OpenFile(objectID)
	require.NoError(t, err)
	b := make([]byte, f.Size())
	_, err = f.ReadAt(b, 0)
	require.NoError(t, err)
	if string(b) != "partition" {
		t.Errorf("object %d = %q, want %q", objectID, b, "partition")
	}

	tests := []struct {
		name   string
		offset int64
		length int64
	}{
		{"negative offset", -1, imageSize},
		{"misaligned offset", 1000, imageSize},
		{"past the end", offset, imageSize + tail + 4096},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := fxfs.OpenDevice(img, fxfs.WithOpenMode(fxfs.ReadOnly), fxfs.WithRange(tt.offset, tt.length)); err == nil {
				t.Errorf("OpenDevice() with range %d+%d did not fail", tt.offset, tt.length)
			}
		})
	}
}
