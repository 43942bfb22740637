// Package journal implements the write-ahead journal of an fxfs filesystem and the
// A/B super-blocks that bootstrap it.
//
// Every metadata change is committed as a transaction of mutation records appended to
// the journal file. At mount the authoritative super-block restores the root parent
// store and tells replay where in the journal to start; replay re-applies the committed
// transactions that are not already reflected in the stores.
//
// Lock order: writerMu, then innerMu, then the object manager, store and allocator locks.
// innerMu is never held across I/O.
package journal

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/diskfs/go-fxfs/blockstream"
	"github.com/diskfs/go-fxfs/objectstore"
)

// Options configure a Journal. The zero value selects defaults.
type Options struct {
	Logger logrus.FieldLogger
	// SuperBlockInterval is how many journal bytes may be written before a new
	// super-block is due
	SuperBlockInterval uint64
	// GUID is used by InitEmpty instead of a random one
	GUID *uuid.UUID
}

// SyncOptions control Sync
type SyncOptions struct {
	// Flush also flushes the device's write cache
	Flush bool
}

// Journal persists transactions and super-blocks
type Journal struct {
	objects  *objectstore.ObjectManager
	log      logrus.FieldLogger
	interval uint64
	guid     *uuid.UUID

	writerMu sync.Mutex
	writer   *blockstream.Writer

	innerMu         sync.Mutex
	needsSuperBlock bool
	superBlock      SuperBlock
	// superBlockCopy holds superBlock on disk; the next write goes to its Next()
	superBlockCopy SuperBlockCopy
	// written is false until superBlock has been stored at least once
	written bool
}

// New returns a journal that applies mutations to objects. Replay or InitEmpty must be
// called before it is used.
func New(objects *objectstore.ObjectManager, opts Options) *Journal {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	interval := opts.SuperBlockInterval
	if interval == 0 {
		interval = DefaultSuperBlockInterval
	}
	return &Journal{
		objects:         objects,
		log:             log.WithField("component", "journal"),
		interval:        interval,
		guid:            opts.GUID,
		writer:          blockstream.NewWriter(nil, BlockSize, rand.Uint64()),
		needsSuperBlock: true,
	}
}

// Replay mounts an existing filesystem: it reads the newest valid super-block, restores the
// root parent store from it and re-applies the journaled transactions after it.
func (j *Journal) Replay(fs objectstore.Filesystem) error {
	sb, sbCopy, rootParent, err := j.readSuperBlocks(fs)
	if err != nil {
		return err
	}
	log := j.log.WithFields(logrus.Fields{"generation": sb.Generation, "copy": sbCopy.String()})
	log.WithField("checkpoint", sb.JournalCheckpoint.String()).Info("replaying journal")

	items, err := rootParent.Items()
	if err != nil {
		return err
	}
	for _, item := range items {
		j.objects.ReserveObjectID(item.Key.ObjectID)
	}
	j.objects.RegisterStore(rootParent)
	j.objects.SetRootParentStoreObjectID(rootParent.StoreObjectID())

	rootStore, err := objectstore.NewEmpty(rootParent, sb.RootStoreObjectID, fs)
	if err != nil {
		return err
	}
	j.objects.RegisterStore(rootStore)
	j.objects.SetRootStoreObjectID(rootStore.StoreObjectID())

	allocator := objectstore.NewAllocator(fs, sb.AllocatorObjectID)
	if _, ok := sb.JournalFileOffsets[sb.AllocatorObjectID]; !ok {
		allocator.SetBorrowedMetadataSpace(sb.BorrowedMetadataSpace)
	}
	j.objects.SetAllocator(allocator)

	j.innerMu.Lock()
	j.needsSuperBlock = false
	j.superBlock = sb.clone()
	j.superBlockCopy = sbCopy
	j.written = true
	j.innerMu.Unlock()

	journalHandle, err := rootParent.OpenObject(sb.JournalObjectID)
	if err != nil {
		return fmt.Errorf("could not open journal object: %w", err)
	}
	reader := blockstream.NewReader(journalHandle, BlockSize, sb.JournalCheckpoint)

	var (
		pending    []objectstore.TxnMutation
		txnStart   blockstream.Checkpoint
		endBlock   bool
		replayed   int
		transacted int
	)
	for {
		current := reader.Checkpoint()
		var rec Record
		res, err := reader.Deserialize(&rec)
		if err != nil {
			return fmt.Errorf("journal replay at %s: %w", current, err)
		}
		if res == blockstream.ReadReset {
			log.WithField("offset", reader.Checkpoint().FileOffset).Debug("journal reset, dropping open transaction")
			pending = nil
			continue
		}
		if res == blockstream.ReadChecksumMismatch {
			break
		}
		if err := rec.validate(); err != nil {
			return fmt.Errorf("journal replay at %s: %w", current, err)
		}
		endBlock = false
		switch rec.Kind {
		case RecordEndBlock:
			reader.SkipToEndOfBlock()
			endBlock = true
		case RecordMutation:
			if len(pending) == 0 {
				txnStart = current
			}
			assoc := objectstore.NoAssoc
			// growth of the journal itself must reach the reader's handle
			if sm := rec.Mutation.ObjectStore; sm != nil && rec.ObjectID == sb.RootParentStoreObjectID && sm.Item.Key.ObjectID == sb.JournalObjectID {
				assoc = objectstore.JournalAssoc(journalHandle)
			}
			pending = append(pending, objectstore.TxnMutation{ObjectID: rec.ObjectID, Mutation: *rec.Mutation, Assoc: assoc})
		case RecordCommit:
			if len(pending) == 0 {
				continue
			}
			n, err := j.replayTransaction(pending, txnStart)
			if err != nil {
				return err
			}
			replayed += n
			transacted++
			pending = nil
		}
	}

	if err := checkMetadata(sb, rootParent, rootStore, allocator); err != nil {
		return err
	}

	// continue the stream after the last valid block; a torn tail forces a reset
	resume := reader.ResumeCheckpoint()
	j.writerMu.Lock()
	j.writer.SetHandle(journalHandle)
	j.writer.SeekToCheckpoint(resume, !endBlock)
	j.writerMu.Unlock()

	log.WithFields(logrus.Fields{
		"offset":       resume.FileOffset,
		"transactions": transacted,
		"mutations":    replayed,
		"reset":        !endBlock,
	}).Info("replay done")
	return nil
}

// checkMetadata verifies that replay restored the journal and super-block objects and
// that their extents are allocated. A journal whose head failed to replay leaves them out,
// and the allocator would then hand their space to new data.
func checkMetadata(sb *SuperBlock, rootParent, rootStore *objectstore.ObjectStore, allocator *objectstore.Allocator) error {
	required := []struct {
		name     string
		store    *objectstore.ObjectStore
		objectID uint64
	}{
		{"journal", rootParent, sb.JournalObjectID},
		{"super-block A", rootStore, SuperBlockA.ObjectID()},
		{"super-block B", rootStore, SuperBlockB.ObjectID()},
	}
	for _, r := range required {
		if _, err := r.store.OpenObject(r.objectID); err != nil {
			return fmt.Errorf("%s object %d missing after replay: %w: %w", r.name, r.objectID, objectstore.ErrInconsistent, err)
		}
		extents, err := r.store.Extents(r.objectID)
		if err != nil {
			return err
		}
		if len(extents) == 0 {
			return fmt.Errorf("%s object %d has no extents after replay: %w", r.name, r.objectID, objectstore.ErrInconsistent)
		}
		for _, e := range extents {
			dr := objectstore.DeviceRange{Start: e.Value.DeviceOffset, End: e.Value.DeviceOffset + e.Value.Length}
			ok, err := allocator.IsAllocated(dr)
			if err != nil {
				return fmt.Errorf("%s extent %s: %w", r.name, dr, err)
			}
			if !ok {
				return fmt.Errorf("%s extent %s is not allocated after replay: %w", r.name, dr, objectstore.ErrInconsistent)
			}
		}
	}
	return nil
}

// readSuperBlocks returns the valid super-block with the highest generation
func (j *Journal) readSuperBlocks(fs objectstore.Filesystem) (*SuperBlock, SuperBlockCopy, *objectstore.ObjectStore, error) {
	var (
		best      *SuperBlock
		bestCopy  SuperBlockCopy
		bestStore *objectstore.ObjectStore
		errs      []error
	)
	for _, c := range []SuperBlockCopy{SuperBlockA, SuperBlockB} {
		sb, store, err := ReadSuperBlock(fs, c)
		if err != nil {
			j.log.WithField("copy", c.String()).WithError(err).Debug("super-block copy is not valid")
			errs = append(errs, err)
			continue
		}
		if best == nil || sb.Generation > best.Generation {
			if bestStore != nil {
				_ = bestStore.Close()
			}
			best, bestCopy, bestStore = sb, c, store
			continue
		}
		_ = store.Close()
	}
	if best == nil {
		return nil, 0, nil, fmt.Errorf("no valid super-block: %w", errors.Join(errs...))
	}
	return best, bestCopy, bestStore, nil
}

// shouldApply reports whether a replayed mutation for objectID is newer than the state the
// object was restored with
func (j *Journal) shouldApply(objectID uint64, cp blockstream.Checkpoint) bool {
	j.innerMu.Lock()
	defer j.innerMu.Unlock()
	offset, ok := j.superBlock.JournalFileOffsets[objectID]
	if !ok {
		offset = j.superBlock.SuperBlockJournalFileOffset
	}
	return cp.FileOffset >= offset
}

func (j *Journal) replayTransaction(muts []objectstore.TxnMutation, cp blockstream.Checkpoint) (int, error) {
	ctx := objectstore.ApplyContext{Mode: objectstore.ApplyReplay, Checkpoint: cp}
	applied := 0
	for _, m := range muts {
		log := j.log.WithFields(logrus.Fields{"object_id": m.ObjectID, "offset": cp.FileOffset})
		if !j.shouldApply(m.ObjectID, cp) {
			log.Debugf("skip %s", m.Mutation)
			continue
		}
		if err := j.objects.ApplyMutation(m.ObjectID, m.Mutation, ctx, m.Assoc); err != nil {
			return applied, fmt.Errorf("journal replay at %s: %w", cp, err)
		}
		applied++
	}
	return applied, nil
}

// InitEmpty formats a new filesystem in memory: the root parent and root stores, the
// allocator, both super-block objects and a preallocated journal. Nothing but the shredded
// B copy reaches the device before the first Sync.
func (j *Journal) InitEmpty(fs objectstore.Filesystem) error {
	j.writerMu.Lock()
	cp := j.writer.Checkpoint()
	j.writerMu.Unlock()

	rootParent, err := objectstore.NewEmpty(nil, InitRootParentStoreObjectID, fs)
	if err != nil {
		return err
	}
	j.objects.RegisterStore(rootParent)
	j.objects.SetRootParentStoreObjectID(rootParent.StoreObjectID())

	allocator := objectstore.NewAllocator(fs, InitAllocatorObjectID)
	j.objects.SetAllocator(allocator)
	// keep the fixed ids out of reach of NextObjectID
	j.objects.ReserveObjectID(SuperBlockBObjectID)

	txn, err := fs.NewTransaction(objectstore.Options{})
	if err != nil {
		return err
	}
	rootStore, err := rootParent.CreateChildStoreWithID(txn, InitRootStoreObjectID)
	if err != nil {
		txn.Drop()
		return err
	}
	j.objects.SetRootStoreObjectID(rootStore.StoreObjectID())

	handles := map[SuperBlockCopy]*objectstore.StoreObjectHandle{}
	for _, c := range []SuperBlockCopy{SuperBlockA, SuperBlockB} {
		h, err := rootStore.CreateObjectWithID(txn, c.ObjectID())
		if err != nil {
			txn.Drop()
			return err
		}
		if err := h.Extend(txn, c.FirstExtent()); err != nil {
			txn.Drop()
			return fmt.Errorf("could not reserve super-block %s: %w", c, err)
		}
		handles[c] = h
	}

	journalHandle, err := rootParent.CreateObject(txn)
	if err != nil {
		txn.Drop()
		return err
	}
	if _, err := journalHandle.PreallocateRange(txn, 0, ChunkSize); err != nil {
		txn.Drop()
		return fmt.Errorf("could not preallocate journal: %w", err)
	}
	// the root parent store has no volume to keep its graveyard in, so the super-block names it
	graveyard, err := rootParent.CreateObject(txn)
	if err != nil {
		txn.Drop()
		return err
	}
	if _, err := txn.Commit(); err != nil {
		return err
	}

	// a stale B copy from an earlier format must never win
	if err := ShredSuperBlock(handles[SuperBlockB]); err != nil {
		return fmt.Errorf("could not shred super-block B: %w", err)
	}

	guid := uuid.New()
	if j.guid != nil {
		guid = *j.guid
	}
	j.innerMu.Lock()
	j.superBlock = newSuperBlock(guid, rootParent.StoreObjectID(), graveyard.ObjectID(), rootStore.StoreObjectID(), allocator.ObjectID(), journalHandle.ObjectID(), cp)
	j.superBlockCopy = SuperBlockB
	j.needsSuperBlock = true
	j.written = false
	j.innerMu.Unlock()

	j.writerMu.Lock()
	j.writer.SetHandle(journalHandle)
	j.writerMu.Unlock()

	j.log.WithFields(logrus.Fields{"guid": guid.String(), "journal_object_id": journalHandle.ObjectID()}).Info("initialized empty filesystem")
	return nil
}

// Commit writes the transaction to the journal and applies it. It returns the journal
// offset after the transaction. Committing an empty transaction does nothing.
func (j *Journal) Commit(txn *objectstore.Transaction) (uint64, error) {
	if txn.IsEmpty() {
		j.writerMu.Lock()
		defer j.writerMu.Unlock()
		return j.writer.Checkpoint().FileOffset, nil
	}

	muts := txn.TakeMutations()
	payload, err := encodeMutations(muts)
	if err != nil {
		return 0, err
	}

	j.writerMu.Lock()
	if err := j.maybeExtendJournalFile(len(payload)); err != nil {
		j.writerMu.Unlock()
		return 0, err
	}
	cp := j.writer.Checkpoint()
	_, _ = j.writer.Write(payload)
	if err := j.writer.MaybeFlushBuffer(); err != nil {
		// the blocks stay buffered and are retried by the next flush
		j.log.WithError(err).WithField("offset", cp.FileOffset).Warn("journal write failed")
	}
	end := j.writer.Checkpoint().FileOffset
	j.writerMu.Unlock()

	j.innerMu.Lock()
	if end >= j.superBlock.SuperBlockJournalFileOffset+j.interval {
		j.needsSuperBlock = true
	}
	j.innerMu.Unlock()

	if err := j.applyMutations(muts, cp); err != nil {
		return end, err
	}
	return end, nil
}

func (j *Journal) applyMutations(muts []objectstore.TxnMutation, cp blockstream.Checkpoint) error {
	ctx := objectstore.ApplyContext{Mode: objectstore.ApplyLive, Checkpoint: cp}
	j.log.WithField("offset", cp.FileOffset).Debug("begin transaction")
	for _, m := range muts {
		if err := j.objects.ApplyMutation(m.ObjectID, m.Mutation, ctx, m.Assoc); err != nil {
			return fmt.Errorf("could not apply transaction at %s: %w", cp, err)
		}
	}
	j.log.WithField("offset", cp.FileOffset).Debug("end transaction")
	return nil
}

// encodeMutations returns one Mutation record per entry followed by a Commit record, in
// stream encoding
func encodeMutations(muts []objectstore.TxnMutation) ([]byte, error) {
	var out []byte
	for i := range muts {
		b, err := blockstream.Marshal(Record{Kind: RecordMutation, ObjectID: muts[i].ObjectID, Mutation: &muts[i].Mutation})
		if err != nil {
			return nil, fmt.Errorf("could not encode mutation for object %d: %w", muts[i].ObjectID, err)
		}
		out = append(out, b...)
	}
	b, err := blockstream.Marshal(Record{Kind: RecordCommit})
	if err != nil {
		return nil, err
	}
	return append(out, b...), nil
}

// maybeExtendJournalFile preallocates the journal until n more bytes of records, and
// ChunkSize beyond them, fit in it. The writer lock must be held.
func (j *Journal) maybeExtendJournalFile(n int) error {
	handle, ok := j.writerHandle()
	if !ok {
		return nil
	}
	for {
		size := handle.Size()
		need := j.writer.OffsetAfter(n) + ChunkSize
		if need <= size {
			return nil
		}
		grow := (need - size + ChunkSize - 1) / ChunkSize * ChunkSize
		if err := j.extendJournalFile(handle, size+grow); err != nil {
			return err
		}
	}
}

// extendJournalFile grows the journal to newSize. The extension is applied and written
// directly instead of being committed, since the writer lock is already held. Its own
// records have to fit in the space that existed before it.
func (j *Journal) extendJournalFile(handle *objectstore.StoreObjectHandle, newSize uint64) error {
	size := handle.Size()
	txn, err := handle.NewTransaction(objectstore.Options{SkipJournalChecks: true})
	if err != nil {
		return err
	}
	if _, err := handle.PreallocateRange(txn, size, newSize); err != nil {
		txn.Drop()
		return fmt.Errorf("could not extend journal to %d bytes: %w", newSize, err)
	}
	muts := txn.TakeMutations()
	for i := range muts {
		if muts[i].Assoc.Handle == handle {
			muts[i].Assoc.Kind = objectstore.AssocJournal
		}
	}
	payload, err := encodeMutations(muts)
	if err != nil {
		txn.Drop()
		return err
	}
	if after := j.writer.OffsetAfter(len(payload)); after > size {
		txn.Drop()
		return fmt.Errorf("journal extension records would end at %d, past the preallocated %d: %w", after, size, objectstore.ErrNoSpace)
	}

	cp := j.writer.Checkpoint()
	if err := j.applyMutations(muts, cp); err != nil {
		txn.Drop()
		return err
	}
	txn.Drop()
	_, _ = j.writer.Write(payload)
	j.log.WithFields(logrus.Fields{"offset": cp.FileOffset, "size": handle.Size()}).Debug("extended journal")
	return nil
}

// Sync makes every committed transaction durable. When a super-block is due, the journal
// is flushed up to a block boundary first and the super-block is written to the next
// copy, recording where replay has to start.
func (j *Journal) Sync(opts SyncOptions) error {
	j.innerMu.Lock()
	needsSuperBlock := j.needsSuperBlock
	j.innerMu.Unlock()

	var synced blockstream.Checkpoint
	if needsSuperBlock {
		cp, err := j.flush()
		if err != nil {
			return err
		}
		if err := j.flushDevice(opts); err != nil {
			return err
		}
		if err := j.writeSuperBlock(cp); err != nil {
			return err
		}
		synced = cp
	}

	j.writerMu.Lock()
	defer j.writerMu.Unlock()
	if !needsSuperBlock || j.writer.Checkpoint() != synced {
		if _, err := j.flushLocked(); err != nil {
			return err
		}
	}
	return j.flushDevice(opts)
}

func (j *Journal) flushDevice(opts SyncOptions) error {
	if !opts.Flush {
		return nil
	}
	handle, ok := j.writerHandle()
	if !ok {
		return nil
	}
	return handle.Store().Filesystem().Device().Flush()
}

func (j *Journal) writerHandle() (*objectstore.StoreObjectHandle, bool) {
	h, ok := j.writer.Handle().(*objectstore.StoreObjectHandle)
	return h, ok && h != nil
}

func (j *Journal) flush() (blockstream.Checkpoint, error) {
	j.writerMu.Lock()
	defer j.writerMu.Unlock()
	return j.flushLocked()
}

// flushLocked ends the current block and writes everything buffered. It returns the
// block-aligned checkpoint after the flush. The writer lock must be held.
func (j *Journal) flushLocked() (blockstream.Checkpoint, error) {
	if j.writer.Checkpoint().FileOffset%BlockSize != 0 {
		if err := j.maybeExtendJournalFile(BlockSize); err != nil {
			return blockstream.Checkpoint{}, err
		}
		if err := j.writer.WriteRecord(Record{Kind: RecordEndBlock}); err != nil {
			return blockstream.Checkpoint{}, err
		}
		j.writer.PadToBlock()
	}
	if err := j.writer.MaybeFlushBuffer(); err != nil {
		return blockstream.Checkpoint{}, err
	}
	return j.writer.Checkpoint(), nil
}

// writeSuperBlock snapshots the root parent store into the next super-block copy. The
// writer lock must not be held: extending the copy commits transactions.
func (j *Journal) writeSuperBlock(cp blockstream.Checkpoint) error {
	rootParent := j.objects.RootParentStore()
	rootStore := j.objects.RootStore()
	if rootParent == nil || rootStore == nil {
		return fmt.Errorf("root stores are not open: %w", objectstore.ErrInconsistent)
	}
	items, err := rootParent.Items()
	if err != nil {
		return err
	}

	j.innerMu.Lock()
	sb := j.superBlock.clone()
	target := j.superBlockCopy.Next()
	if j.written {
		sb.Generation++
	}
	j.innerMu.Unlock()

	offsets, earliest := j.objects.JournalFileOffsets(rootParent.StoreObjectID())
	sb.SuperBlockJournalFileOffset = cp.FileOffset
	sb.JournalCheckpoint = cp
	if earliest != nil {
		sb.JournalCheckpoint = *earliest
	}
	sb.JournalFileOffsets = offsets
	if a := j.objects.Allocator(); a != nil {
		sb.BorrowedMetadataSpace = a.BorrowedMetadataSpace()
	}

	handle, err := rootStore.OpenObject(target.ObjectID())
	if err != nil {
		return fmt.Errorf("could not open super-block %s: %w", target, err)
	}
	if err := sb.Write(items, handle); err != nil {
		return fmt.Errorf("could not write super-block %s: %w", target, err)
	}

	j.innerMu.Lock()
	j.superBlock = sb
	j.superBlockCopy = target
	j.written = true
	j.needsSuperBlock = false
	j.innerMu.Unlock()
	j.objects.ObjectSynced(rootParent.StoreObjectID())

	j.log.WithFields(logrus.Fields{
		"generation": sb.Generation,
		"copy":       target.String(),
		"offset":     cp.FileOffset,
		"checkpoint": sb.JournalCheckpoint.String(),
	}).Info("wrote super-block")
	return nil
}

// SuperBlock returns a copy of the current super-block and the copy it was read from or
// last written to
func (j *Journal) SuperBlock() (SuperBlock, SuperBlockCopy) {
	j.innerMu.Lock()
	defer j.innerMu.Unlock()
	return j.superBlock.clone(), j.superBlockCopy
}

// RootVolumeInfoObjectID returns the id recorded in the super-block
func (j *Journal) RootVolumeInfoObjectID() uint64 {
	j.innerMu.Lock()
	defer j.innerMu.Unlock()
	return j.superBlock.RootVolumeInfoObjectID
}

// SetRootVolumeInfoObjectID records id in the super-block; it is persisted by the next Sync
func (j *Journal) SetRootVolumeInfoObjectID(id uint64) {
	j.innerMu.Lock()
	defer j.innerMu.Unlock()
	j.superBlock.RootVolumeInfoObjectID = id
	j.needsSuperBlock = true
}

// Checkpoint returns the current write position
func (j *Journal) Checkpoint() blockstream.Checkpoint {
	j.writerMu.Lock()
	defer j.writerMu.Unlock()
	return j.writer.Checkpoint()
}
