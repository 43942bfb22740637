package file

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func deviceSize(f *os.File) (int64, error) {
	size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		return 0, fmt.Errorf("unable to get size of device %s: %v", f.Name(), err)
	}
	return int64(size), nil
}
