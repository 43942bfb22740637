// Package sync copies a tree of regular files into the objects of a filesystem and
// verifies the copy.
package sync

import (
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"

	"github.com/diskfs/go-fxfs/filesystem"
)

// excludedPaths these are excluded from any copy
var excludedPaths = map[string]bool{
	"lost+found":                true,
	".DS_Store":                 true,
	"System Volume Information": true,
}

const maxCopyAllSize = 64 * 1024 * 1024

// Manifest maps the path of each copied file to the object holding its contents
type Manifest map[string]uint64

// Paths returns the copied paths in lexical order
func (m Manifest) Paths() []string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// CopyFiles copies every regular file of src into a new object of dst. Directories are
// walked but not recorded; objects have no names, so the returned Manifest is the only
// record of which object holds which file.
func CopyFiles(src fs.FS, dst filesystem.FileSystem) (Manifest, error) {
	m := Manifest{}
	if err := copyDir(src, dst, ".", m); err != nil {
		return m, err
	}
	return m, nil
}

func copyDir(src fs.FS, dst filesystem.FileSystem, dir string, m Manifest) error {
	entries, err := fs.ReadDir(src, dir)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if excludedPaths[name] {
			continue
		}

		p := name
		if dir != "." {
			p = path.Join(dir, name)
		}

		if entry.IsDir() {
			if err := copyDir(src, dst, p, m); err != nil {
				return err
			}
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		// symlinks, devices and the like have no contents to copy
		if !info.Mode().IsRegular() {
			continue
		}

		id, err := copyOneFile(src, dst, p, info)
		if err != nil {
			return fmt.Errorf("copy file %s: %w", p, err)
		}
		m[p] = id
	}
	return nil
}

func copyOneFile(src fs.FS, dst filesystem.FileSystem, p string, info fs.FileInfo) (uint64, error) {
	in, err := src.Open(p)
	if err != nil {
		return 0, err
	}
	defer func() { _ = in.Close() }()

	out, err := dst.CreateFile()
	if err != nil {
		return 0, err
	}

	if info.Size() <= maxCopyAllSize {
		data, err := io.ReadAll(in)
		if err != nil {
			return 0, err
		}
		if len(data) == 0 {
			return out.ObjectID(), nil
		}
		n, err := out.WriteAt(data, 0)
		if err != nil {
			return 0, err
		}
		if n != len(data) {
			return 0, io.ErrShortWrite
		}
		return out.ObjectID(), nil
	}

	w := io.NewOffsetWriter(out, 0)
	if _, err := io.CopyBuffer(w, in, make([]byte, 1024*1024)); err != nil {
		return 0, err
	}
	return out.ObjectID(), nil
}
