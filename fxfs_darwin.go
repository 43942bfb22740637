package fxfs

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// this constants should be part of "golang.org/x/sys/unix", but aren't, yet
const (
	DKIOCGETBLOCKSIZE         = 0x40046418
	DKIOCGETPHYSICALBLOCKSIZE = 0x4004644D
)

// getSectorSizes get the logical and physical sector sizes for a block device
func getSectorSizes(f *os.File) (logicalSectorSize, physicalSectorSize int64, err error) {
	fd := int(f.Fd())
	logical, err := unix.IoctlGetInt(fd, DKIOCGETBLOCKSIZE)
	if err != nil {
		return 0, 0, fmt.Errorf("unable to get device logical sector size: %w", err)
	}
	physical, err := unix.IoctlGetInt(fd, DKIOCGETPHYSICALBLOCKSIZE)
	if err != nil {
		return 0, 0, fmt.Errorf("unable to get device physical sector size: %w", err)
	}
	return int64(logical), int64(physical), nil
}
