package journal

import (
	"fmt"

	"github.com/diskfs/go-fxfs/device"
	"github.com/diskfs/go-fxfs/objectstore"
)

// deviceHandle reads an object straight from a list of device extents. It is used for the
// super-block, which has to be read before any object store exists.
type deviceHandle struct {
	dev      *device.Device
	objectID uint64
	extents  []objectstore.DeviceRange
}

func newDeviceHandle(dev *device.Device, objectID uint64) *deviceHandle {
	return &deviceHandle{dev: dev, objectID: objectID}
}

// pushExtent appends r to the end of the object
func (h *deviceHandle) pushExtent(r objectstore.DeviceRange) error {
	if !r.Valid() || r.End > h.dev.Size() {
		return fmt.Errorf("super-block %d extent %s: %w", h.objectID, r, objectstore.ErrInconsistent)
	}
	h.extents = append(h.extents, r)
	return nil
}

func (h *deviceHandle) Size() uint64 {
	var size uint64
	for _, e := range h.extents {
		size += e.Len()
	}
	return size
}

func (h *deviceHandle) Read(offset uint64, p []byte) (int, error) {
	var pos uint64
	n := 0
	for _, e := range h.extents {
		if n == len(p) {
			break
		}
		end := pos + e.Len()
		if offset+uint64(n) >= end {
			pos = end
			continue
		}
		from := offset + uint64(n) - pos
		c := min(e.Len()-from, uint64(len(p)-n))
		if err := h.dev.ReadAt(p[n:n+int(c)], e.Start+from); err != nil {
			return n, err
		}
		n += int(c)
		pos = end
	}
	return n, nil
}
