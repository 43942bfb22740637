package objectstore

import (
	"fmt"
	"sync"

	"github.com/diskfs/go-fxfs/util/bitmap"
)

// Allocator hands out device space in units of the device block size. Allocations are
// reserved when added to a transaction and become permanent when the transaction's
// mutation is applied.
type Allocator struct {
	mu       sync.Mutex
	objectID uint64
	unit     uint64
	// allocated holds applied allocations
	allocated *bitmap.Bitmap
	// inUse is allocated plus in-flight reservations
	inUse    *bitmap.Bitmap
	reserved map[uint64]uint64
	borrowed uint64
}

// NewAllocator returns an allocator covering every block of the filesystem's device
func NewAllocator(fs Filesystem, objectID uint64) *Allocator {
	dev := fs.Device()
	unit := dev.BlockSize()
	n := int(dev.Size() / unit)
	return &Allocator{
		objectID:  objectID,
		unit:      unit,
		allocated: bitmap.NewBits(n),
		inUse:     bitmap.NewBits(n),
		reserved:  map[uint64]uint64{},
	}
}

// ObjectID returns the id mutations for this allocator are recorded under
func (a *Allocator) ObjectID() uint64 {
	return a.objectID
}

func (a *Allocator) blocks(r DeviceRange) (int, int, error) {
	if !r.Valid() || r.Start%a.unit != 0 || r.End%a.unit != 0 {
		return 0, 0, fmt.Errorf("device range %s is not aligned to %d: %w", r, a.unit, ErrInconsistent)
	}
	return int(r.Start / a.unit), int(r.Len() / a.unit), nil
}

// Allocate reserves up to length bytes of contiguous space in txn. The returned range
// may be shorter than requested when free space is fragmented.
func (a *Allocator) Allocate(txn *Transaction, length uint64) (DeviceRange, error) {
	n := int((length + a.unit - 1) / a.unit)
	if n == 0 {
		return DeviceRange{}, fmt.Errorf("zero length allocation: %w", ErrInconsistent)
	}
	a.mu.Lock()
	pos := a.inUse.FindFreeRun(n)
	if pos < 0 {
		// take the largest free run instead
		best := bitmap.Contiguous{Position: -1}
		for _, c := range a.inUse.FreeList() {
			if c.Count > best.Count {
				best = c
			}
		}
		if best.Position < 0 {
			a.mu.Unlock()
			return DeviceRange{}, ErrNoSpace
		}
		pos, n = best.Position, best.Count
	}
	_ = a.inUse.SetRange(pos, n)
	r := DeviceRange{Start: uint64(pos) * a.unit, End: uint64(pos+n) * a.unit}
	a.reserved[r.Start] = r.End
	a.mu.Unlock()

	txn.Add(a.objectID, Allocate(r, txn.Options().BorrowMetadataSpace))
	txn.OnDrop(func() { a.release(r) })
	return r, nil
}

// MarkAllocated reserves a specific range in txn
func (a *Allocator) MarkAllocated(txn *Transaction, r DeviceRange) error {
	pos, n, err := a.blocks(r)
	if err != nil {
		return err
	}
	a.mu.Lock()
	used, err := a.inUse.AnySet(pos, n)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("device range %s: %w", r, ErrOutOfRange)
	}
	if used {
		a.mu.Unlock()
		return fmt.Errorf("device range %s is already allocated: %w", r, ErrInconsistent)
	}
	_ = a.inUse.SetRange(pos, n)
	a.reserved[r.Start] = r.End
	a.mu.Unlock()

	txn.Add(a.objectID, Allocate(r, txn.Options().BorrowMetadataSpace))
	txn.OnDrop(func() { a.release(r) })
	return nil
}

// release drops a reservation that was never applied
func (a *Allocator) release(r DeviceRange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if end, ok := a.reserved[r.Start]; !ok || end != r.End {
		return
	}
	delete(a.reserved, r.Start)
	pos, n, err := a.blocks(r)
	if err != nil {
		return
	}
	_ = a.inUse.ClearRange(pos, n)
}

// ApplyMutation applies an allocation change
func (a *Allocator) ApplyMutation(m *AllocatorMutation, ctx ApplyContext) error {
	pos, n, err := a.blocks(m.Range)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	switch m.Op {
	case AllocatorAllocate:
		if err := a.allocated.SetRange(pos, n); err != nil {
			return fmt.Errorf("allocate %s at %s: %w", m.Range, ctx.Checkpoint, ErrInconsistent)
		}
		_ = a.inUse.SetRange(pos, n)
		delete(a.reserved, m.Range.Start)
		if m.Borrowed {
			a.borrowed += m.Range.Len()
		}
	case AllocatorDeallocate:
		if err := a.allocated.ClearRange(pos, n); err != nil {
			return fmt.Errorf("deallocate %s at %s: %w", m.Range, ctx.Checkpoint, ErrInconsistent)
		}
		_ = a.inUse.ClearRange(pos, n)
	default:
		return fmt.Errorf("unknown allocator operation %d: %w", m.Op, ErrInconsistent)
	}
	return nil
}

// Allocated returns the number of bytes held by applied allocations
func (a *Allocator) Allocated() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(a.allocated.CountSet()) * a.unit
}

// IsAllocated reports whether every block of r is allocated
func (a *Allocator) IsAllocated(r DeviceRange) (bool, error) {
	pos, n, err := a.blocks(r)
	if err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := pos; i < pos+n; i++ {
		set, err := a.allocated.IsSet(i)
		if err != nil || !set {
			return false, err
		}
	}
	return true, nil
}

// Unit returns the allocation granularity in bytes
func (a *Allocator) Unit() uint64 {
	return a.unit
}

// AllocatedBitmap returns a copy of the applied allocations, one bit per unit
func (a *Allocator) AllocatedBitmap() *bitmap.Bitmap {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated.Clone()
}

// BorrowedMetadataSpace returns the bytes allocated against borrowed metadata space
func (a *Allocator) BorrowedMetadataSpace() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.borrowed
}

// SetBorrowedMetadataSpace restores the borrowed amount recorded in a super-block
func (a *Allocator) SetBorrowedMetadataSpace(v uint64) {
	a.mu.Lock()
	a.borrowed = v
	a.mu.Unlock()
}
