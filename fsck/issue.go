package fsck

import (
	"fmt"

	"github.com/diskfs/go-fxfs/objectstore"
)

// Severity ranks an issue
type Severity uint8

const (
	// SeverityError is an inconsistency the check continues past
	SeverityError Severity = iota
	// SeverityFatal means the filesystem cannot be mounted safely
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	}
	return fmt.Sprintf("Severity(%d)", uint8(s))
}

// IssueKind is the type of inconsistency found
type IssueKind uint8

const (
	// MissingObject is an object the filesystem needs to mount that is not in its store
	MissingObject IssueKind = iota
	// MalformedExtent is an empty or wrapping extent
	MalformedExtent
	// MisalignedExtent is an extent not aligned to the allocation unit
	MisalignedExtent
	// ExtentOutOfRange is an extent past the end of the device
	ExtentOutOfRange
	// OrphanedExtent is an extent of an object that has no object record
	OrphanedExtent
	// OverlappingExtents are two extents mapping the same device blocks
	OverlappingExtents
	// MissingAllocation is device space mapped by extents that the allocator considers free
	MissingAllocation
	// ExtraAllocation is allocated device space no extent maps
	ExtraAllocation
	// AllocatedBytesMismatch means the allocator's total differs from the extents' total
	AllocatedBytesMismatch
	// UnexpectedJournalFileOffset is a super-block replay offset for an object that is
	// neither a store nor the allocator
	UnexpectedJournalFileOffset
)

var issueKindNames = map[IssueKind]string{
	MissingObject:               "missing object",
	MalformedExtent:             "malformed extent",
	MisalignedExtent:            "misaligned extent",
	ExtentOutOfRange:            "extent out of range",
	OrphanedExtent:              "orphaned extent",
	OverlappingExtents:          "overlapping extents",
	MissingAllocation:           "missing allocation",
	ExtraAllocation:             "extra allocation",
	AllocatedBytesMismatch:      "allocated bytes mismatch",
	UnexpectedJournalFileOffset: "unexpected journal file offset",
}

func (k IssueKind) String() string {
	if s, ok := issueKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("IssueKind(%d)", uint8(k))
}

// Severity returns how bad an issue of this kind is
func (k IssueKind) Severity() Severity {
	if k == MissingObject {
		return SeverityFatal
	}
	return SeverityError
}

// Owner names an object within a store
type Owner struct {
	StoreObjectID uint64
	ObjectID      uint64
}

func (o Owner) String() string {
	return fmt.Sprintf("%d/%d", o.StoreObjectID, o.ObjectID)
}

// Issue is one inconsistency. Which fields are set depends on Kind: Other only for
// OverlappingExtents, Expected and Actual only for AllocatedBytesMismatch.
type Issue struct {
	Kind     IssueKind
	Owner    Owner
	Other    Owner
	Range    objectstore.DeviceRange
	Expected uint64
	Actual   uint64
}

// Severity returns the severity of the issue's kind
func (i Issue) Severity() Severity {
	return i.Kind.Severity()
}

func (i Issue) String() string {
	switch i.Kind {
	case MissingObject:
		return fmt.Sprintf("%s: %s: object %s", i.Severity(), i.Kind, i.Owner)
	case OverlappingExtents:
		return fmt.Sprintf("%s: %s: %s and %s at %s", i.Severity(), i.Kind, i.Owner, i.Other, i.Range)
	case MissingAllocation, ExtraAllocation:
		return fmt.Sprintf("%s: %s: %s", i.Severity(), i.Kind, i.Range)
	case AllocatedBytesMismatch:
		return fmt.Sprintf("%s: %s: extents map %d bytes, allocator holds %d", i.Severity(), i.Kind, i.Expected, i.Actual)
	case UnexpectedJournalFileOffset:
		return fmt.Sprintf("%s: %s: object %d", i.Severity(), i.Kind, i.Owner.ObjectID)
	}
	return fmt.Sprintf("%s: %s: object %s extent %s", i.Severity(), i.Kind, i.Owner, i.Range)
}
