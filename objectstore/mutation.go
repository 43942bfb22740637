package objectstore

import "fmt"

// ObjectStoreMutation inserts, replaces or, with a ValueNone value, deletes a record
type ObjectStoreMutation struct {
	_    struct{} `cbor:",toarray"`
	Item ObjectItem
}

// AllocatorOp is the kind of an allocator mutation
type AllocatorOp uint8

const (
	// AllocatorAllocate marks a device range as used
	AllocatorAllocate AllocatorOp = iota
	// AllocatorDeallocate marks a device range as free
	AllocatorDeallocate
)

// AllocatorMutation changes the allocation state of a device range. Borrowed
// allocations are charged against the metadata space the allocator lends out
// while the super-block is being rewritten.
type AllocatorMutation struct {
	_        struct{} `cbor:",toarray"`
	Op       AllocatorOp
	Range    DeviceRange
	Borrowed bool
}

// Mutation is a change to exactly one of an object store or the allocator
type Mutation struct {
	ObjectStore *ObjectStoreMutation `cbor:"1,keyasint,omitempty"`
	Allocator   *AllocatorMutation   `cbor:"2,keyasint,omitempty"`
}

// InsertObject returns a mutation setting key to value
func InsertObject(key ObjectKey, value ObjectValue) Mutation {
	return Mutation{ObjectStore: &ObjectStoreMutation{Item: ObjectItem{Key: key, Value: value}}}
}

// Allocate returns a mutation allocating r
func Allocate(r DeviceRange, borrowed bool) Mutation {
	return Mutation{Allocator: &AllocatorMutation{Op: AllocatorAllocate, Range: r, Borrowed: borrowed}}
}

// Deallocate returns a mutation freeing r
func Deallocate(r DeviceRange) Mutation {
	return Mutation{Allocator: &AllocatorMutation{Op: AllocatorDeallocate, Range: r}}
}

// Clone returns a deep copy of m
func (m Mutation) Clone() Mutation {
	var c Mutation
	if m.ObjectStore != nil {
		sm := *m.ObjectStore
		c.ObjectStore = &sm
	}
	if m.Allocator != nil {
		a := *m.Allocator
		c.Allocator = &a
	}
	return c
}

// Validate checks that exactly one variant is set
func (m Mutation) Validate() error {
	if (m.ObjectStore == nil) == (m.Allocator == nil) {
		return fmt.Errorf("mutation must hold exactly one change: %w", ErrInconsistent)
	}
	return nil
}

func (m Mutation) String() string {
	switch {
	case m.ObjectStore != nil:
		item := m.ObjectStore.Item
		return fmt.Sprintf("store{%s -> %s size=%d dev=%d len=%d}", item.Key, item.Value.Kind, item.Value.Size, item.Value.DeviceOffset, item.Value.Length)
	case m.Allocator != nil:
		op := "allocate"
		if m.Allocator.Op == AllocatorDeallocate {
			op = "deallocate"
		}
		return fmt.Sprintf("allocator{%s %s}", op, m.Allocator.Range)
	}
	return "empty"
}
