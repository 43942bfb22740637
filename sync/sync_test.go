package sync

import (
	"bytes"
	"io"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/diskfs/go-fxfs/device"
	"github.com/diskfs/go-fxfs/filesystem/fxfs"
	"github.com/diskfs/go-fxfs/testhelper"
)

func newFilesystem(t *testing.T) *fxfs.FileSystem {
	t.Helper()
	dev, err := device.New(testhelper.NewFileImpl(16*1024*1024), 512)
	require.NoError(t, err)
	log := logrus.New()
	log.SetOutput(io.Discard)
	fs, err := fxfs.NewEmpty(dev, fxfs.Params{Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })
	return fs
}

func testTree() fstest.MapFS {
	return fstest.MapFS{
		"file.txt":             {Data: []byte("hello")},
		"empty":                {Data: nil},
		"dir/nested.txt":       {Data: []byte("world")},
		"dir/deeper/big.bin":   {Data: bytes.Repeat([]byte{0x5a, 0xa5, 0x01}, 10000)},
		"lost+found/orphan":    {Data: []byte("skipped")},
		"dir/.DS_Store":        {Data: []byte("skipped")},
		"dir/deeper/.keep.txt": {Data: []byte("kept")},
	}
}

func TestCopyFiles(t *testing.T) {
	fs := newFilesystem(t)
	src := testTree()
	m, err := CopyFiles(src, fs)
	require.NoError(t, err)

	want := []string{"dir/deeper/.keep.txt", "dir/deeper/big.bin", "dir/nested.txt", "empty", "file.txt"}
	if diff := cmp.Diff(want, m.Paths()); diff != "" {
		t.Errorf("copied paths mismatch (-want +got):\n%s", diff)
	}
	for _, p := range m.Paths() {
		f, err := fs.OpenFile(m[p])
		require.NoError(t, err)
		got := make([]byte, f.Size())
		if len(got) > 0 {
			_, err = f.ReadAt(got, 0)
			require.NoError(t, err)
		}
		if !bytes.Equal(got, src[p].Data) {
			t.Errorf("object %d for %s holds %d bytes, want %d", m[p], p, len(got), len(src[p].Data))
		}
	}
	if err := VerifyFiles(src, fs, m); err != nil {
		t.Errorf("VerifyFiles() = %v", err)
	}
}

func TestVerifyFiles(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, fs *fxfs.FileSystem, src fstest.MapFS, m Manifest)
	}{
		{"changed contents", func(t *testing.T, fs *fxfs.FileSystem, _ fstest.MapFS, m Manifest) {
			f, err := fs.OpenFile(m["file.txt"])
			require.NoError(t, err)
			_, err = f.WriteAt([]byte("J"), 0)
			require.NoError(t, err)
		}},
		{"grown object", func(t *testing.T, fs *fxfs.FileSystem, _ fstest.MapFS, m Manifest) {
			f, err := fs.OpenFile(m["dir/nested.txt"])
			require.NoError(t, err)
			_, err = f.WriteAt([]byte("!"), 5)
			require.NoError(t, err)
		}},
		{"file missing from manifest", func(_ *testing.T, _ *fxfs.FileSystem, _ fstest.MapFS, m Manifest) {
			delete(m, "empty")
		}},
		{"extra manifest entry", func(_ *testing.T, _ *fxfs.FileSystem, _ fstest.MapFS, m Manifest) {
			m["ghost"] = m["file.txt"]
		}},
		{"wrong object", func(_ *testing.T, _ *fxfs.FileSystem, _ fstest.MapFS, m Manifest) {
			m["file.txt"], m["dir/nested.txt"] = m["dir/nested.txt"], m["file.txt"]
		}},
		{"source changed", func(_ *testing.T, _ *fxfs.FileSystem, src fstest.MapFS, _ Manifest) {
			src["file.txt"] = &fstest.MapFile{Data: []byte("other")}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFilesystem(t)
			src := testTree()
			m, err := CopyFiles(src, fs)
			require.NoError(t, err)
			tt.mutate(t, fs, src, m)
			if err := VerifyFiles(src, fs, m); err == nil {
				t.Errorf("VerifyFiles() did not detect the change")
			}
		})
	}
}
