// Package fsck checks a mounted fxfs filesystem: the objects needed to mount it must
// exist, every extent must be well formed and map space no other extent maps, and the
// allocator must hold exactly the space the extents map.
package fsck

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/diskfs/go-fxfs/device"
	"github.com/diskfs/go-fxfs/journal"
	"github.com/diskfs/go-fxfs/objectstore"
	"github.com/diskfs/go-fxfs/util/bitmap"
)

var (
	// ErrFailed is returned when the check found errors
	ErrFailed = errors.New("filesystem check failed")

	errHalted = errors.New("check halted")
)

// Filesystem is what the check reads from a mounted filesystem
type Filesystem interface {
	Device() *device.Device
	ObjectManager() *objectstore.ObjectManager
	SuperBlock() (journal.SuperBlock, journal.SuperBlockCopy)
}

// Options control a check. The zero value runs every pass and logs to the standard logger.
type Options struct {
	// HaltOnError stops at the first issue
	HaltOnError bool
	// OnIssue is called for every issue as it is found
	OnIssue func(Issue)
	Logger  logrus.FieldLogger
}

// Report is the outcome of a check
type Report struct {
	Issues  []Issue
	Stores  int
	Extents int
	// Mapped is the number of bytes mapped by valid extents
	Mapped uint64
	// Allocated is the number of bytes the allocator holds
	Allocated uint64
}

// Fatal reports whether any issue is fatal
func (r *Report) Fatal() bool {
	for _, i := range r.Issues {
		if i.Severity() == SeverityFatal {
			return true
		}
	}
	return false
}

type extent struct {
	owner Owner
	r     objectstore.DeviceRange
}

type checker struct {
	opts   Options
	log    logrus.FieldLogger
	report *Report
}

func (c *checker) issue(i Issue) error {
	c.report.Issues = append(c.report.Issues, i)
	c.log.Warn(i.String())
	if c.opts.OnIssue != nil {
		c.opts.OnIssue(i)
	}
	if c.opts.HaltOnError {
		return errHalted
	}
	return nil
}

// Check verifies the filesystem. It returns the report and, when issues were found, an
// error wrapping ErrFailed. The filesystem must not be modified while it runs.
func Check(fs Filesystem, opts Options) (*Report, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &checker{
		opts:   opts,
		log:    log.WithField("component", "fsck"),
		report: &Report{},
	}
	c.log.Info("starting fsck")

	err := c.run(fs)
	if err != nil && !errors.Is(err, errHalted) {
		return c.report, err
	}
	if n := len(c.report.Issues); n > 0 {
		return c.report, fmt.Errorf("%w: %d issues", ErrFailed, n)
	}
	c.log.WithFields(logrus.Fields{"stores": c.report.Stores, "extents": c.report.Extents}).Info("no issues detected")
	return c.report, nil
}

func (c *checker) run(fs Filesystem) error {
	objects := fs.ObjectManager()
	rootParent := objects.RootParentStore()
	rootStore := objects.RootStore()
	allocator := objects.Allocator()
	if rootParent == nil || rootStore == nil || allocator == nil {
		return fmt.Errorf("filesystem is not mounted: %w", objectstore.ErrInconsistent)
	}
	sb, _ := fs.SuperBlock()

	if err := c.checkRequired(sb, rootParent, rootStore); err != nil {
		return err
	}

	unit := allocator.Unit()
	devSize := fs.Device().Size()
	var extents []extent
	stores := objects.Stores()
	c.report.Stores = len(stores)
	for _, store := range stores {
		found, err := c.scanStore(store, unit, devSize)
		if err != nil {
			return err
		}
		extents = append(extents, found...)
	}
	c.report.Extents = len(extents)

	expected, err := c.checkOverlaps(extents, allocator.AllocatedBitmap().Len(), unit)
	if err != nil {
		return err
	}
	if err := c.checkAllocations(expected, allocator.AllocatedBitmap(), unit); err != nil {
		return err
	}
	c.report.Mapped = uint64(expected.CountSet()) * unit
	c.report.Allocated = allocator.Allocated()
	if c.report.Mapped != c.report.Allocated {
		if err := c.issue(Issue{Kind: AllocatedBytesMismatch, Expected: c.report.Mapped, Actual: c.report.Allocated}); err != nil {
			return err
		}
	}

	// only stores and the allocator are replayed by offset
	ids := make([]uint64, 0, len(sb.JournalFileOffsets))
	for id := range sb.JournalFileOffsets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if _, ok := objects.Store(id); ok || id == allocator.ObjectID() {
			continue
		}
		if err := c.issue(Issue{Kind: UnexpectedJournalFileOffset, Owner: Owner{ObjectID: id}}); err != nil {
			return err
		}
	}
	return nil
}

// checkRequired looks for the objects a mount cannot do without
func (c *checker) checkRequired(sb journal.SuperBlock, rootParent, rootStore *objectstore.ObjectStore) error {
	required := []struct {
		store *objectstore.ObjectStore
		id    uint64
		kind  objectstore.ValueKind
	}{
		{rootParent, sb.RootStoreObjectID, objectstore.ValueStore},
		{rootParent, sb.JournalObjectID, objectstore.ValueObject},
		{rootParent, sb.RootParentGraveyardDirectoryObjectID, objectstore.ValueObject},
		{rootStore, journal.SuperBlockA.ObjectID(), objectstore.ValueObject},
		{rootStore, journal.SuperBlockB.ObjectID(), objectstore.ValueObject},
	}
	for _, r := range required {
		v, err := r.store.Get(objectstore.ObjectRecordKey(r.id))
		if err != nil && !errors.Is(err, objectstore.ErrNotFound) {
			return err
		}
		if err == nil && v.Kind == r.kind {
			continue
		}
		if err := c.issue(Issue{Kind: MissingObject, Owner: Owner{StoreObjectID: r.store.StoreObjectID(), ObjectID: r.id}}); err != nil {
			return err
		}
	}
	return nil
}

// scanStore validates every extent record of a store and returns the valid ones
func (c *checker) scanStore(store *objectstore.ObjectStore, unit, devSize uint64) ([]extent, error) {
	items, err := store.Items()
	if err != nil {
		return nil, fmt.Errorf("could not read store %d: %w", store.StoreObjectID(), err)
	}
	c.log.WithFields(logrus.Fields{"store": store.StoreObjectID(), "records": len(items)}).Debug("scanning store")

	objectsWithRecords := map[uint64]bool{}
	for _, item := range items {
		if item.Key.Kind == objectstore.KeyObject {
			objectsWithRecords[item.Key.ObjectID] = true
		}
	}

	var out []extent
	for _, item := range items {
		if item.Value.Kind != objectstore.ValueExtent {
			continue
		}
		owner := Owner{StoreObjectID: store.StoreObjectID(), ObjectID: item.Key.ObjectID}
		r := objectstore.DeviceRange{Start: item.Value.DeviceOffset, End: item.Value.DeviceOffset + item.Value.Length}
		var kind IssueKind
		switch {
		case !r.Valid():
			kind = MalformedExtent
		case r.Start%unit != 0 || r.End%unit != 0:
			kind = MisalignedExtent
		case r.End > devSize:
			kind = ExtentOutOfRange
		default:
			if !objectsWithRecords[owner.ObjectID] {
				if err := c.issue(Issue{Kind: OrphanedExtent, Owner: owner, Range: r}); err != nil {
					return nil, err
				}
			}
			out = append(out, extent{owner: owner, r: r})
			continue
		}
		if err := c.issue(Issue{Kind: kind, Owner: owner, Range: r}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// checkOverlaps reports extents that share device blocks and returns the blocks the
// extents map
func (c *checker) checkOverlaps(extents []extent, blocks int, unit uint64) (*bitmap.Bitmap, error) {
	sort.Slice(extents, func(i, j int) bool {
		a, b := extents[i], extents[j]
		if a.r.Start != b.r.Start {
			return a.r.Start < b.r.Start
		}
		if a.owner.StoreObjectID != b.owner.StoreObjectID {
			return a.owner.StoreObjectID < b.owner.StoreObjectID
		}
		return a.owner.ObjectID < b.owner.ObjectID
	})
	mapped := bitmap.NewBits(blocks)
	var last *extent
	for i := range extents {
		e := &extents[i]
		if last != nil && e.r.Start < last.r.End {
			overlap := objectstore.DeviceRange{Start: e.r.Start, End: min(e.r.End, last.r.End)}
			if err := c.issue(Issue{Kind: OverlappingExtents, Owner: last.owner, Other: e.owner, Range: overlap}); err != nil {
				return nil, err
			}
		}
		if last == nil || e.r.End > last.r.End {
			last = e
		}
		if err := mapped.SetRange(int(e.r.Start/unit), int(e.r.Len()/unit)); err != nil {
			return nil, err
		}
	}
	return mapped, nil
}

// checkAllocations compares the blocks extents map with the blocks the allocator holds
func (c *checker) checkAllocations(expected, actual *bitmap.Bitmap, unit uint64) error {
	type run struct {
		kind  IssueKind
		start int
	}
	var open *run
	flush := func(end int) error {
		if open == nil {
			return nil
		}
		r := objectstore.DeviceRange{Start: uint64(open.start) * unit, End: uint64(end) * unit}
		kind := open.kind
		open = nil
		return c.issue(Issue{Kind: kind, Range: r})
	}
	for i := 0; i < expected.Len(); i++ {
		e, _ := expected.IsSet(i)
		a, _ := actual.IsSet(i)
		var kind IssueKind
		var bad bool
		switch {
		case e && !a:
			kind, bad = MissingAllocation, true
		case a && !e:
			kind, bad = ExtraAllocation, true
		}
		if open != nil && (!bad || open.kind != kind) {
			if err := flush(i); err != nil {
				return err
			}
		}
		if bad && open == nil {
			open = &run{kind: kind, start: i}
		}
	}
	return flush(expected.Len())
}
