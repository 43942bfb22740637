package objectstore

import (
	"fmt"
	"sync"
)

// StoreObjectHandle reads and writes one object of a store
type StoreObjectHandle struct {
	store    *ObjectStore
	objectID uint64

	mu   sync.Mutex
	size uint64
}

func newHandle(store *ObjectStore, objectID, size uint64) *StoreObjectHandle {
	return &StoreObjectHandle{store: store, objectID: objectID, size: size}
}

// ObjectID returns the object's id
func (h *StoreObjectHandle) ObjectID() uint64 {
	return h.objectID
}

// Store returns the store holding the object
func (h *StoreObjectHandle) Store() *ObjectStore {
	return h.store
}

// Size returns the object size as last applied to this handle
func (h *StoreObjectHandle) Size() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

func (h *StoreObjectHandle) setSize(size uint64) {
	h.mu.Lock()
	h.size = size
	h.mu.Unlock()
}

// NewTransaction starts a transaction on the handle's filesystem
func (h *StoreObjectHandle) NewTransaction(opts Options) (*Transaction, error) {
	return h.store.fs.NewTransaction(opts)
}

// extentRun is a mapped part of an object
type extentRun struct {
	fileOffset uint64
	device     DeviceRange
}

func (h *StoreObjectHandle) extents() ([]extentRun, error) {
	items, err := h.store.Extents(h.objectID)
	if err != nil {
		return nil, err
	}
	runs := make([]extentRun, 0, len(items))
	for _, item := range items {
		if item.Value.Kind != ValueExtent {
			continue
		}
		runs = append(runs, extentRun{
			fileOffset: item.Key.Offset,
			device:     DeviceRange{Start: item.Value.DeviceOffset, End: item.Value.DeviceOffset + item.Value.Length},
		})
	}
	return runs, nil
}

// allocatedEnd returns the file offset after the last extent
func allocatedEnd(runs []extentRun) uint64 {
	if len(runs) == 0 {
		return 0
	}
	last := runs[len(runs)-1]
	return last.fileOffset + last.device.Len()
}

// Read fills p from offset and returns the number of bytes read. Reads stop at the
// object size; unmapped ranges read as zeros.
func (h *StoreObjectHandle) Read(offset uint64, p []byte) (int, error) {
	size := h.Size()
	if offset >= size {
		return 0, nil
	}
	if rem := size - offset; uint64(len(p)) > rem {
		p = p[:rem]
	}
	for i := range p {
		p[i] = 0
	}
	runs, err := h.extents()
	if err != nil {
		return 0, err
	}
	dev := h.store.fs.Device()
	end := offset + uint64(len(p))
	for _, r := range runs {
		rStart, rEnd := r.fileOffset, r.fileOffset+r.device.Len()
		if rEnd <= offset || rStart >= end {
			continue
		}
		from := max(rStart, offset)
		to := min(rEnd, end)
		if err := dev.ReadAt(p[from-offset:to-offset], r.device.Start+(from-rStart)); err != nil {
			return 0, fmt.Errorf("could not read object %d at %d: %w", h.objectID, from, err)
		}
	}
	return len(p), nil
}

// Overwrite writes p at offset into space that is already allocated. The object size is
// not changed.
func (h *StoreObjectHandle) Overwrite(offset uint64, p []byte) error {
	runs, err := h.extents()
	if err != nil {
		return err
	}
	end := offset + uint64(len(p))
	pos := offset
	for _, r := range runs {
		rStart, rEnd := r.fileOffset, r.fileOffset+r.device.Len()
		if rEnd <= pos || rStart >= end {
			continue
		}
		if rStart > pos {
			break
		}
		to := min(rEnd, end)
		if err := h.writeDevice(r.device.Start+(pos-rStart), p[pos-offset:to-offset]); err != nil {
			return fmt.Errorf("could not overwrite object %d at %d: %w", h.objectID, pos, err)
		}
		pos = to
		if pos == end {
			return nil
		}
	}
	if pos < end {
		return fmt.Errorf("object %d range %d..%d: %w", h.objectID, pos, end, ErrOutOfRange)
	}
	return nil
}

// writeDevice writes p at a device offset, merging partial blocks with what is on disk
func (h *StoreObjectHandle) writeDevice(devOffset uint64, p []byte) error {
	dev := h.store.fs.Device()
	bs := dev.BlockSize()
	start := devOffset / bs * bs
	end := (devOffset + uint64(len(p)) + bs - 1) / bs * bs
	if start == devOffset && end == devOffset+uint64(len(p)) {
		return dev.WriteAt(p, devOffset)
	}
	buf := make([]byte, end-start)
	if err := dev.ReadAt(buf[:bs], start); err != nil {
		return err
	}
	if end-bs > start {
		if err := dev.ReadAt(buf[len(buf)-int(bs):], end-bs); err != nil {
			return err
		}
	}
	copy(buf[devOffset-start:], p)
	return dev.WriteAt(buf, start)
}

// PreallocateRange allocates device space for the unmapped parts of [start, end) and grows
// the object to end. It returns the device ranges that were allocated.
func (h *StoreObjectHandle) PreallocateRange(txn *Transaction, start, end uint64) ([]DeviceRange, error) {
	return h.preallocate(txn, start, end, end)
}

func (h *StoreObjectHandle) preallocate(txn *Transaction, start, end, newSize uint64) ([]DeviceRange, error) {
	runs, err := h.extents()
	if err != nil {
		return nil, err
	}
	bs := h.store.fs.Device().BlockSize()
	start = start / bs * bs
	end = (end + bs - 1) / bs * bs
	allocator := h.store.fs.ObjectManager().Allocator()
	if allocator == nil {
		return nil, fmt.Errorf("no allocator: %w", ErrInconsistent)
	}

	var allocated []DeviceRange
	pos := start
	fill := func(to uint64) error {
		for pos < to {
			r, err := allocator.Allocate(txn, to-pos)
			if err != nil {
				return err
			}
			txn.Add(h.store.storeObjectID, InsertObject(ExtentKey(h.objectID, pos), ExtentRecord(r.Start, r.Len())))
			allocated = append(allocated, r)
			pos += r.Len()
		}
		return nil
	}
	for _, r := range runs {
		rStart, rEnd := r.fileOffset, r.fileOffset+r.device.Len()
		if rEnd <= pos {
			continue
		}
		if rStart >= end {
			break
		}
		if err := fill(rStart); err != nil {
			return nil, err
		}
		pos = rEnd
	}
	if err := fill(end); err != nil {
		return nil, err
	}
	h.growTo(txn, newSize)
	return allocated, nil
}

// Extend maps the device range r, which the caller has reserved, after the object's last
// extent and grows the object to cover it.
func (h *StoreObjectHandle) Extend(txn *Transaction, r DeviceRange) error {
	if !r.Valid() {
		return fmt.Errorf("invalid extent %s: %w", r, ErrInconsistent)
	}
	runs, err := h.extents()
	if err != nil {
		return err
	}
	allocator := h.store.fs.ObjectManager().Allocator()
	if allocator == nil {
		return fmt.Errorf("no allocator: %w", ErrInconsistent)
	}
	if err := allocator.MarkAllocated(txn, r); err != nil {
		return err
	}
	fileOffset := allocatedEnd(runs)
	txn.Add(h.store.storeObjectID, InsertObject(ExtentKey(h.objectID, fileOffset), ExtentRecord(r.Start, r.Len())))
	h.growTo(txn, fileOffset+r.Len())
	return nil
}

// growTo records a new size when end is past the current size
func (h *StoreObjectHandle) growTo(txn *Transaction, end uint64) {
	if end <= h.Size() {
		return
	}
	txn.AddWithObject(h.store.storeObjectID, InsertObject(ObjectRecordKey(h.objectID), ObjectRecord(ValueObject, end)), HandleAssoc(h))
}

// Write writes p at offset, allocating space and growing the object as needed. The
// metadata changes are committed in their own transaction before the data is written.
func (h *StoreObjectHandle) Write(offset uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	end := offset + uint64(len(p))
	txn, err := h.NewTransaction(Options{})
	if err != nil {
		return err
	}
	if _, err := h.preallocate(txn, offset, end, end); err != nil {
		txn.Drop()
		return err
	}
	if txn.IsEmpty() {
		txn.Drop()
	} else if _, err := txn.Commit(); err != nil {
		return err
	}
	return h.Overwrite(offset, p)
}

// DeviceRanges returns the device ranges that map [start, end) of the object, in file
// order. Unmapped parts are skipped.
func (h *StoreObjectHandle) DeviceRanges(start, end uint64) ([]DeviceRange, error) {
	runs, err := h.extents()
	if err != nil {
		return nil, err
	}
	var out []DeviceRange
	for _, r := range runs {
		rStart, rEnd := r.fileOffset, r.fileOffset+r.device.Len()
		if rEnd <= start || rStart >= end {
			continue
		}
		from := max(rStart, start)
		to := min(rEnd, end)
		out = append(out, DeviceRange{Start: r.device.Start + (from - rStart), End: r.device.Start + (to - rStart)})
	}
	return out, nil
}
