package sync

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"

	"github.com/zeebo/blake3"

	"github.com/diskfs/go-fxfs/filesystem"
)

// VerifyFiles checks that every regular file of src is held, byte for byte, by the object
// m records for it, and that m records nothing else.
func VerifyFiles(src fs.FS, dst filesystem.FileSystem, m Manifest) error {
	seen := make(map[string]struct{}, len(m))

	err := fs.WalkDir(src, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if excludedPaths[d.Name()] {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		id, ok := m[p]
		if !ok {
			return fmt.Errorf("path %q missing from manifest", p)
		}
		seen[p] = struct{}{}

		obj, err := dst.OpenFile(id)
		if err != nil {
			return fmt.Errorf("object %d for %q: %w", id, p, err)
		}
		if obj.Size() != info.Size() {
			return fmt.Errorf("size mismatch at %q: object %d has %d bytes, file has %d", p, id, obj.Size(), info.Size())
		}
		return compareContents(src, p, obj)
	})
	if err != nil {
		return err
	}

	for _, p := range m.Paths() {
		if _, ok := seen[p]; !ok {
			return fmt.Errorf("extra path %q in manifest", p)
		}
	}
	return nil
}

func compareContents(src fs.FS, p string, obj filesystem.File) error {
	f, err := src.Open(p)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	fileHasher := blake3.New()
	if _, err := io.Copy(fileHasher, f); err != nil {
		return err
	}
	objHasher := blake3.New()
	if _, err := io.Copy(objHasher, io.NewSectionReader(obj, 0, obj.Size())); err != nil {
		return err
	}
	if !bytes.Equal(fileHasher.Sum(nil), objHasher.Sum(nil)) {
		return fmt.Errorf("content mismatch at %q", p)
	}
	return nil
}
