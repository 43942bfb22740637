package journal

import (
	"bytes"
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"

	"github.com/diskfs/go-fxfs/blockstream"
	"github.com/diskfs/go-fxfs/device"
	"github.com/diskfs/go-fxfs/objectstore"
)

const (
	// SuperBlockBlockSize is the block size of the super-block stream
	SuperBlockBlockSize = 8192
	// SuperBlockChunkSize is the amount a super-block is extended by
	SuperBlockChunkSize = 65536
	// MinSuperBlockSize is the size of each copy's fixed first extent
	MinSuperBlockSize = 524288
	// LatestVersion is the super-block format version written
	LatestVersion uint32 = 1
)

var superBlockMagic = []byte("FxfsSupr")

var (
	// ErrBadMagic means a super-block copy does not start with the super-block magic
	ErrBadMagic = errors.New("invalid super-block magic")
	// ErrUnsupportedVersion means a super-block was written by a newer format
	ErrUnsupportedVersion = errors.New("unsupported super-block version")
)

// SuperBlockCopy is one of the two super-block locations
type SuperBlockCopy int

const (
	SuperBlockA SuperBlockCopy = iota
	SuperBlockB
)

// Next returns the copy to write after c
func (c SuperBlockCopy) Next() SuperBlockCopy {
	if c == SuperBlockA {
		return SuperBlockB
	}
	return SuperBlockA
}

// ObjectID returns the id of the copy's object in the root store
func (c SuperBlockCopy) ObjectID() uint64 {
	if c == SuperBlockA {
		return SuperBlockAObjectID
	}
	return SuperBlockBObjectID
}

// FirstExtent returns the fixed device range the copy starts in. Later extents are
// recorded in the copy itself.
func (c SuperBlockCopy) FirstExtent() objectstore.DeviceRange {
	if c == SuperBlockA {
		return objectstore.DeviceRange{Start: 0, End: MinSuperBlockSize}
	}
	return objectstore.DeviceRange{Start: MinSuperBlockSize, End: 2 * MinSuperBlockSize}
}

func (c SuperBlockCopy) String() string {
	if c == SuperBlockA {
		return "A"
	}
	return "B"
}

// SuperBlock describes the filesystem. It is followed on disk by the records of the root
// parent store, which otherwise only exists in memory.
type SuperBlock struct {
	GUID       uuid.UUID `cbor:"1,keyasint"`
	Generation uint64    `cbor:"2,keyasint"`

	RootParentStoreObjectID              uint64 `cbor:"3,keyasint"`
	// RootParentGraveyardDirectoryObjectID is the object in the root parent store that
	// tracks its objects awaiting deletion
	RootParentGraveyardDirectoryObjectID uint64 `cbor:"4,keyasint"`
	RootStoreObjectID                    uint64 `cbor:"5,keyasint"`
	AllocatorObjectID                    uint64 `cbor:"6,keyasint"`
	JournalObjectID                      uint64 `cbor:"7,keyasint"`

	// JournalCheckpoint is where replay starts
	JournalCheckpoint blockstream.Checkpoint `cbor:"8,keyasint"`
	// SuperBlockJournalFileOffset is the journal offset when the super-block was written.
	// Objects without an entry in JournalFileOffsets have no dependency on journal records
	// before it.
	SuperBlockJournalFileOffset uint64 `cbor:"9,keyasint"`
	// JournalFileOffsets maps an object to the journal offset its unpersisted mutations start at
	JournalFileOffsets map[uint64]uint64 `cbor:"10,keyasint"`

	BorrowedMetadataSpace  uint64 `cbor:"11,keyasint"`
	RootVolumeInfoObjectID uint64 `cbor:"12,keyasint"`
}

// newSuperBlock returns a generation 1 super-block with a random GUID
func newSuperBlock(guid uuid.UUID, rootParent, graveyard, rootStore, allocator, journal uint64, cp blockstream.Checkpoint) SuperBlock {
	return SuperBlock{
		GUID:                                 guid,
		Generation:                           1,
		RootParentStoreObjectID:              rootParent,
		RootParentGraveyardDirectoryObjectID: graveyard,
		RootStoreObjectID:                    rootStore,
		AllocatorObjectID:                    allocator,
		JournalObjectID:                      journal,
		JournalCheckpoint:                    cp,
		JournalFileOffsets:                   map[uint64]uint64{},
	}
}

func (sb SuperBlock) clone() SuperBlock {
	c := sb
	c.JournalFileOffsets = maps.Clone(sb.JournalFileOffsets)
	return c
}

type versionedSuperBlock struct {
	_          struct{} `cbor:",toarray"`
	Version    uint32
	SuperBlock SuperBlock
}

// SuperBlockRecord follows the super-block header. Exactly one field is set.
type SuperBlockRecord struct {
	// Extent continues the super-block in another device range
	Extent *objectstore.DeviceRange `cbor:"1,keyasint,omitempty"`
	// ObjectItem is a record of the root parent store
	ObjectItem *objectstore.ObjectItem `cbor:"2,keyasint,omitempty"`
	// End marks the end of the super-block
	End bool `cbor:"3,keyasint,omitempty"`
}

// ReadSuperBlockHeader reads and validates the header of one copy
func ReadSuperBlockHeader(dev *device.Device, target SuperBlockCopy) (*SuperBlock, error) {
	sb, _, err := readHeader(dev, target)
	return sb, err
}

// readHeader returns the super-block and a reader positioned at its first record
func readHeader(dev *device.Device, target SuperBlockCopy) (*SuperBlock, *itemReader, error) {
	handle := newDeviceHandle(dev, target.ObjectID())
	if err := handle.pushExtent(target.FirstExtent()); err != nil {
		return nil, nil, err
	}
	reader := blockstream.NewReader(handle, SuperBlockBlockSize, blockstream.Checkpoint{})
	res, err := reader.FillBuf()
	if err != nil {
		return nil, nil, fmt.Errorf("could not read super-block %s: %w", target, err)
	}
	if res != blockstream.ReadSome {
		return nil, nil, fmt.Errorf("super-block %s first block: %s: %w", target, res, objectstore.ErrInconsistent)
	}
	buf := reader.Buffer()
	if len(buf) < len(superBlockMagic) || !bytes.Equal(buf[:len(superBlockMagic)], superBlockMagic) {
		return nil, nil, fmt.Errorf("super-block %s: %w", target, ErrBadMagic)
	}
	reader.Consume(len(superBlockMagic))

	var v versionedSuperBlock
	res, err = reader.Deserialize(&v)
	if err != nil {
		return nil, nil, fmt.Errorf("could not decode super-block %s: %w", target, err)
	}
	if res != blockstream.ReadSome {
		return nil, nil, fmt.Errorf("super-block %s header: %s: %w", target, res, objectstore.ErrInconsistent)
	}
	if v.Version == 0 || v.Version > LatestVersion {
		return nil, nil, fmt.Errorf("super-block %s version %d: %w", target, v.Version, ErrUnsupportedVersion)
	}
	sb := v.SuperBlock
	// an image built without a GUID gets one on first mount
	if sb.GUID == uuid.Nil {
		sb.GUID = uuid.New()
	}
	if sb.JournalFileOffsets == nil {
		sb.JournalFileOffsets = map[uint64]uint64{}
	}
	return &sb, &itemReader{reader: reader, handle: handle}, nil
}

// ReadSuperBlock reads one copy and rebuilds the root parent store from its records. The
// store is not registered with the object manager.
func ReadSuperBlock(fs objectstore.Filesystem, target SuperBlockCopy) (*SuperBlock, *objectstore.ObjectStore, error) {
	sb, items, err := readHeader(fs.Device(), target)
	if err != nil {
		return nil, nil, err
	}
	rootParent, err := objectstore.NewEmpty(nil, sb.RootParentStoreObjectID, fs)
	if err != nil {
		return nil, nil, err
	}
	ctx := objectstore.ApplyContext{Mode: objectstore.ApplyReplay}
	for {
		item, err := items.next()
		if err != nil {
			_ = rootParent.Close()
			return nil, nil, fmt.Errorf("super-block %s: %w", target, err)
		}
		if item == nil {
			break
		}
		m := objectstore.InsertObject(item.Key, item.Value)
		if err := rootParent.ApplyMutation(m.ObjectStore, ctx, objectstore.NoAssoc); err != nil {
			_ = rootParent.Close()
			return nil, nil, err
		}
	}
	return sb, rootParent, nil
}

type itemReader struct {
	reader *blockstream.Reader
	handle *deviceHandle
}

// next returns the next root parent record, or nil at the end of the super-block
func (r *itemReader) next() (*objectstore.ObjectItem, error) {
	for {
		var rec SuperBlockRecord
		res, err := r.reader.Deserialize(&rec)
		if err != nil {
			return nil, err
		}
		switch res {
		case blockstream.ReadReset:
			return nil, fmt.Errorf("unexpected reset: %w", objectstore.ErrInconsistent)
		case blockstream.ReadChecksumMismatch:
			return nil, fmt.Errorf("checksum mismatch: %w", objectstore.ErrInconsistent)
		}
		switch {
		case rec.Extent != nil:
			if err := r.handle.pushExtent(*rec.Extent); err != nil {
				return nil, err
			}
		case rec.ObjectItem != nil:
			return rec.ObjectItem, nil
		case rec.End:
			return nil, nil
		default:
			return nil, fmt.Errorf("empty super-block record: %w", objectstore.ErrInconsistent)
		}
	}
}

// ShredSuperBlock overwrites the first block of a copy so it is no longer recognized
func ShredSuperBlock(handle *objectstore.StoreObjectHandle) error {
	return handle.Overwrite(0, make([]byte, SuperBlockBlockSize))
}

// Write stores the super-block and the root parent records in handle, extending the
// copy when the records outgrow the space it has.
func (sb *SuperBlock) Write(rootParentItems []objectstore.ObjectItem, handle *objectstore.StoreObjectHandle) error {
	w := &superBlockWriter{
		handle:           handle,
		writer:           blockstream.NewWriter(handle, SuperBlockBlockSize, 0),
		nextExtentOffset: MinSuperBlockSize,
	}
	_, _ = w.writer.Write(superBlockMagic)
	if err := w.writer.WriteRecord(versionedSuperBlock{Version: LatestVersion, SuperBlock: *sb}); err != nil {
		return err
	}
	for i := range rootParentItems {
		if err := w.maybeExtend(); err != nil {
			return err
		}
		if err := w.writer.WriteRecord(SuperBlockRecord{ObjectItem: &rootParentItems[i]}); err != nil {
			return err
		}
	}
	if err := w.writer.WriteRecord(SuperBlockRecord{End: true}); err != nil {
		return err
	}
	return w.writer.FlushBuffer()
}

type superBlockWriter struct {
	handle           *objectstore.StoreObjectHandle
	writer           *blockstream.Writer
	nextExtentOffset uint64
}

// maybeExtend makes sure a whole chunk is available past the write position. Every device
// range that extends the copy is announced with an Extent record.
func (w *superBlockWriter) maybeExtend() error {
	if w.writer.Checkpoint().FileOffset < w.nextExtentOffset-SuperBlockChunkSize {
		return nil
	}
	start, end := w.nextExtentOffset, w.nextExtentOffset+SuperBlockChunkSize
	txn, err := w.handle.NewTransaction(objectstore.Options{
		SkipJournalChecks:   true,
		BorrowMetadataSpace: true,
	})
	if err != nil {
		return err
	}
	if _, err := w.handle.PreallocateRange(txn, start, end); err != nil {
		txn.Drop()
		return fmt.Errorf("could not extend super-block: %w", err)
	}
	if txn.IsEmpty() {
		txn.Drop()
	} else if _, err := txn.Commit(); err != nil {
		return err
	}
	// a copy extended by an earlier write already has the space; it is announced again
	ranges, err := w.handle.DeviceRanges(start, end)
	if err != nil {
		return err
	}
	for i := range ranges {
		w.nextExtentOffset += ranges[i].Len()
		if err := w.writer.WriteRecord(SuperBlockRecord{Extent: &ranges[i]}); err != nil {
			return err
		}
	}
	return nil
}
