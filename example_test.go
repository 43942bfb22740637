package fxfs_test

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	fxfs "github.com/diskfs/go-fxfs"
)

func check(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

// Create a 16MB image, store an object and read it back after reopening the image.
func ExampleCreate() {
	dir, err := os.MkdirTemp("", "fxfs")
	check(err)
	defer os.RemoveAll(dir)
	img := filepath.Join(dir, "fxfs.img")

	fs, err := fxfs.Create(img, 16*1024*1024)
	check(err)
	f, err := fs.CreateFile()
	check(err)
	_, err = f.WriteAt([]byte("hello"), 0)
	check(err)
	objectID := f.ObjectID()
	check(fs.Sync(fxfs.SyncOptions{Flush: true}))
	check(fs.Close())

	fs, err = fxfs.Open(img, fxfs.WithOpenMode(fxfs.ReadOnly))
	check(err)
	defer fs.Close()
	f, err = fs.OpenFile(objectID)
	check(err)
	b := make([]byte, f.Size())
	_, err = f.ReadAt(b, 0)
	check(err)
	fmt.Println(string(b))
}
