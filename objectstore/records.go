package objectstore

import (
	"encoding/binary"
	"fmt"
)

// KeyKind distinguishes the records stored for one object
type KeyKind uint8

const (
	// KeyObject is the record holding an object's type and size
	KeyObject KeyKind = iota
	// KeyExtent maps a range of the object, starting at the key offset, to the device
	KeyExtent
)

// ValueKind is the type of an ObjectValue
type ValueKind uint8

const (
	// ValueNone deletes the record with the same key
	ValueNone ValueKind = iota
	// ValueObject is a regular object
	ValueObject
	// ValueExtent is a device extent
	ValueExtent
	// ValueStore is an object that is itself an object store
	ValueStore
)

func (k ValueKind) String() string {
	switch k {
	case ValueNone:
		return "none"
	case ValueObject:
		return "object"
	case ValueExtent:
		return "extent"
	case ValueStore:
		return "store"
	}
	return fmt.Sprintf("ValueKind(%d)", uint8(k))
}

// ObjectKey identifies a record in an object store
type ObjectKey struct {
	_        struct{} `cbor:",toarray"`
	ObjectID uint64
	Kind     KeyKind
	Offset   uint64
}

// ObjectValue is the payload of a record
type ObjectValue struct {
	_            struct{} `cbor:",toarray"`
	Kind         ValueKind
	Size         uint64
	DeviceOffset uint64
	Length       uint64
}

// ObjectItem is a key and its value
type ObjectItem struct {
	_     struct{} `cbor:",toarray"`
	Key   ObjectKey
	Value ObjectValue
}

const keySize = 17

// ObjectRecordKey returns the key of the object record for objectID
func ObjectRecordKey(objectID uint64) ObjectKey {
	return ObjectKey{ObjectID: objectID, Kind: KeyObject}
}

// ExtentKey returns the key of the extent starting at fileOffset
func ExtentKey(objectID, fileOffset uint64) ObjectKey {
	return ObjectKey{ObjectID: objectID, Kind: KeyExtent, Offset: fileOffset}
}

// ObjectRecord returns an object or store record value
func ObjectRecord(kind ValueKind, size uint64) ObjectValue {
	return ObjectValue{Kind: kind, Size: size}
}

// ExtentRecord returns an extent value
func ExtentRecord(deviceOffset, length uint64) ObjectValue {
	return ObjectValue{Kind: ValueExtent, DeviceOffset: deviceOffset, Length: length}
}

// Deleted returns the tombstone value
func Deleted() ObjectValue {
	return ObjectValue{Kind: ValueNone}
}

// encode returns the tree key. Keys sort by object, then kind, then offset.
func (k ObjectKey) encode() []byte {
	b := make([]byte, keySize)
	binary.BigEndian.PutUint64(b[0:8], k.ObjectID)
	b[8] = byte(k.Kind)
	binary.BigEndian.PutUint64(b[9:17], k.Offset)
	return b
}

func decodeKey(b []byte) (ObjectKey, error) {
	if len(b) != keySize {
		return ObjectKey{}, fmt.Errorf("invalid key length %d: %w", len(b), ErrInconsistent)
	}
	return ObjectKey{
		ObjectID: binary.BigEndian.Uint64(b[0:8]),
		Kind:     KeyKind(b[8]),
		Offset:   binary.BigEndian.Uint64(b[9:17]),
	}, nil
}

func (k ObjectKey) String() string {
	return fmt.Sprintf("%d/%d@%d", k.ObjectID, k.Kind, k.Offset)
}

// DeviceRange is a byte range on the device
type DeviceRange struct {
	_     struct{} `cbor:",toarray"`
	Start uint64
	End   uint64
}

// Len returns the length of the range
func (r DeviceRange) Len() uint64 {
	return r.End - r.Start
}

// Valid reports whether the range is non-empty and does not wrap
func (r DeviceRange) Valid() bool {
	return r.Start < r.End
}

func (r DeviceRange) String() string {
	return fmt.Sprintf("%d..%d", r.Start, r.End)
}
