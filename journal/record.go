package journal

import (
	"fmt"

	"github.com/diskfs/go-fxfs/objectstore"
)

const (
	// BlockSize is the size of a journal block, checksum included
	BlockSize = 8192
	// ChunkSize is the amount the journal file is preallocated by. The journal keeps at
	// least this much space ahead of the write position.
	ChunkSize = 131072
	// DefaultSuperBlockInterval is how far the journal may advance before a new
	// super-block is written
	DefaultSuperBlockInterval = 4 * ChunkSize
)

// Object ids assigned at format time. After that the ids recorded in the super-block are
// authoritative.
const (
	InitRootParentStoreObjectID uint64 = 2
	InitRootStoreObjectID       uint64 = 3
	InitAllocatorObjectID       uint64 = 4
	SuperBlockAObjectID         uint64 = 5
	SuperBlockBObjectID         uint64 = 6
)

// RecordKind is the type of a journal record
type RecordKind uint8

const (
	// RecordEndBlock means the rest of the block is padding
	RecordEndBlock RecordKind = iota
	// RecordMutation carries one mutation of an open transaction
	RecordMutation
	// RecordCommit ends a transaction
	RecordCommit
)

func (k RecordKind) String() string {
	switch k {
	case RecordEndBlock:
		return "end-block"
	case RecordMutation:
		return "mutation"
	case RecordCommit:
		return "commit"
	}
	return fmt.Sprintf("RecordKind(%d)", uint8(k))
}

// Record is one entry of the journal stream. ObjectID names the store or allocator a
// mutation is for.
type Record struct {
	_        struct{} `cbor:",toarray"`
	Kind     RecordKind
	ObjectID uint64
	Mutation *objectstore.Mutation
}

func (r *Record) validate() error {
	switch r.Kind {
	case RecordEndBlock, RecordCommit:
		return nil
	case RecordMutation:
		if r.Mutation == nil {
			return fmt.Errorf("mutation record for object %d without a mutation: %w", r.ObjectID, objectstore.ErrInconsistent)
		}
		return r.Mutation.Validate()
	}
	return fmt.Errorf("unknown record kind %d: %w", r.Kind, objectstore.ErrInconsistent)
}
