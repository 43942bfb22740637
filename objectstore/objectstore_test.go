package objectstore

import (
	"bytes"
	"errors"
	"testing"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/require"

	"github.com/diskfs/go-fxfs/blockstream"
)

func TestCreateAndOpenObject(t *testing.T) {
	fs, root := newFakeFilesystem(t)
	txn, err := fs.NewTransaction(Options{})
	require.NoError(t, err)
	h, err := root.CreateObject(txn)
	require.NoError(t, err)
	_, err = txn.Commit()
	require.NoError(t, err)
	if h.ObjectID() <= testRootStoreID {
		t.Errorf("object id = %d, want an id above the store ids", h.ObjectID())
	}

	opened, err := root.OpenObject(h.ObjectID())
	require.NoError(t, err)
	if opened.Size() != 0 {
		t.Errorf("size = %d, want 0", opened.Size())
	}

	if _, err := root.OpenObject(9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("OpenObject(9999) error = %v, want %v", err, ErrNotFound)
	}

	txn, _ = fs.NewTransaction(Options{})
	if _, err := root.CreateObjectWithID(txn, h.ObjectID()); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("CreateObjectWithID(existing) error = %v, want %v", err, ErrAlreadyExists)
	}
	txn.Drop()
}

func TestWriteRead(t *testing.T) {
	fs, root := newFakeFilesystem(t)
	txn, _ := fs.NewTransaction(Options{})
	h, err := root.CreateObject(txn)
	require.NoError(t, err)
	_, err = txn.Commit()
	require.NoError(t, err)

	require.NoError(t, h.Write(0, []byte("hello")))
	if h.Size() != 5 {
		t.Errorf("size = %d, want 5", h.Size())
	}
	// a second write leaves a hole between the two
	require.NoError(t, h.Write(2000, []byte("world")))
	if h.Size() != 2005 {
		t.Errorf("size = %d, want 2005", h.Size())
	}

	buf := make([]byte, 4096)
	n, err := h.Read(0, buf)
	require.NoError(t, err)
	if n != 2005 {
		t.Fatalf("read %d bytes, want 2005", n)
	}
	if !bytes.Equal(buf[:5], []byte("hello")) || !bytes.Equal(buf[2000:2005], []byte("world")) {
		t.Errorf("read back %q ... %q", buf[:5], buf[2000:2005])
	}
	if !bytes.Equal(buf[5:2000], make([]byte, 1995)) {
		t.Errorf("hole did not read as zeros")
	}

	// the store record agrees with the handle
	v, err := root.Get(ObjectRecordKey(h.ObjectID()))
	require.NoError(t, err)
	if v.Size != 2005 {
		t.Errorf("stored size = %d, want 2005", v.Size)
	}
}

func TestPreallocateAndOverwrite(t *testing.T) {
	fs, root := newFakeFilesystem(t)
	txn, _ := fs.NewTransaction(Options{})
	h, err := root.CreateObject(txn)
	require.NoError(t, err)
	ranges, err := h.PreallocateRange(txn, 0, 8192)
	require.NoError(t, err)
	_, err = txn.Commit()
	require.NoError(t, err)

	var total uint64
	for _, r := range ranges {
		total += r.Len()
	}
	if total != 8192 {
		t.Errorf("preallocated %d bytes, want 8192", total)
	}
	if h.Size() != 8192 {
		t.Errorf("size = %d, want 8192", h.Size())
	}
	if got := fs.objects.Allocator().Allocated(); got != 8192 {
		t.Errorf("allocated = %d, want 8192", got)
	}

	block := bytes.Repeat([]byte{0xa5}, 8192)
	require.NoError(t, h.Overwrite(0, block))
	out := make([]byte, 8192)
	_, err = h.Read(0, out)
	require.NoError(t, err)
	if !bytes.Equal(out, block) {
		t.Errorf("read back data differs from what was overwritten")
	}
	if err := h.Overwrite(8192, block); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Overwrite past allocation error = %v, want %v", err, ErrOutOfRange)
	}

	// preallocating an already mapped range allocates nothing new
	txn, _ = fs.NewTransaction(Options{})
	ranges, err = h.PreallocateRange(txn, 0, 4096)
	require.NoError(t, err)
	if len(ranges) != 0 || !txn.IsEmpty() {
		t.Errorf("preallocating a mapped range allocated %v", ranges)
	}
	txn.Drop()
}

func TestDroppedTransactionReleasesSpace(t *testing.T) {
	fs, _ := newFakeFilesystem(t)
	a := fs.objects.Allocator()
	txn, _ := fs.NewTransaction(Options{})
	first, err := a.Allocate(txn, 1024)
	require.NoError(t, err)
	txn.Drop()

	txn, _ = fs.NewTransaction(Options{})
	second, err := a.Allocate(txn, 1024)
	require.NoError(t, err)
	if diff := deep.Equal(first, second); diff != nil {
		t.Errorf("allocation after drop differs: %v", diff)
	}
	// an in-flight reservation is not handed out twice
	third, err := a.Allocate(txn, 1024)
	require.NoError(t, err)
	if third.Start < second.End {
		t.Errorf("overlapping reservations %s and %s", second, third)
	}
	_, err = txn.Commit()
	require.NoError(t, err)
	if got := a.Allocated(); got != 2048 {
		t.Errorf("allocated = %d, want 2048", got)
	}
}

func TestMarkAllocated(t *testing.T) {
	fs, _ := newFakeFilesystem(t)
	a := fs.objects.Allocator()
	r := DeviceRange{Start: 0, End: 65536}
	txn, _ := fs.NewTransaction(Options{BorrowMetadataSpace: true})
	require.NoError(t, a.MarkAllocated(txn, r))
	if err := a.MarkAllocated(txn, DeviceRange{Start: 512, End: 1024}); !errors.Is(err, ErrInconsistent) {
		t.Errorf("overlapping MarkAllocated error = %v, want %v", err, ErrInconsistent)
	}
	_, err := txn.Commit()
	require.NoError(t, err)
	ok, err := a.IsAllocated(r)
	require.NoError(t, err)
	if !ok {
		t.Errorf("range %s is not allocated", r)
	}
	if got := a.BorrowedMetadataSpace(); got != r.Len() {
		t.Errorf("borrowed = %d, want %d", got, r.Len())
	}
	// new allocations avoid the marked range
	txn, _ = fs.NewTransaction(Options{})
	next, err := a.Allocate(txn, 512)
	require.NoError(t, err)
	if next.Start < r.End {
		t.Errorf("allocation %s overlaps marked range %s", next, r)
	}
	txn.Drop()
}

func TestJournalFileOffsets(t *testing.T) {
	fs, _ := newFakeFilesystem(t)
	offsets, earliest := fs.objects.JournalFileOffsets()
	if len(offsets) != 0 || earliest != nil {
		t.Fatalf("fresh manager reports offsets %v, %v", offsets, earliest)
	}

	apply := func(id uint64, m Mutation, offset uint64) {
		ctx := ApplyContext{Mode: ApplyReplay, Checkpoint: blockstream.NewCheckpoint(offset, offset+1)}
		require.NoError(t, fs.objects.ApplyMutation(id, m, ctx, NoAssoc))
	}
	apply(testRootStoreID, InsertObject(ObjectRecordKey(100), ObjectRecord(ValueObject, 0)), 8192)
	apply(testRootStoreID, InsertObject(ObjectRecordKey(101), ObjectRecord(ValueObject, 0)), 16384)
	apply(testAllocatorID, Allocate(DeviceRange{Start: 1 << 20, End: 1<<20 + 512}, false), 24576)

	offsets, earliest = fs.objects.JournalFileOffsets()
	expected := map[uint64]uint64{testRootStoreID: 8192, testAllocatorID: 24576}
	if diff := deep.Equal(offsets, expected); diff != nil {
		t.Errorf("offsets mismatch: %v", diff)
	}
	if earliest == nil || *earliest != blockstream.NewCheckpoint(8192, 8193) {
		t.Errorf("earliest = %v, want %v", earliest, blockstream.NewCheckpoint(8192, 8193))
	}

	fs.objects.ObjectSynced(testRootStoreID)
	offsets, earliest = fs.objects.JournalFileOffsets()
	if diff := deep.Equal(offsets, map[uint64]uint64{testAllocatorID: 24576}); diff != nil {
		t.Errorf("offsets after sync mismatch: %v", diff)
	}
	if earliest == nil || earliest.FileOffset != 24576 {
		t.Errorf("earliest after sync = %v, want offset 24576", earliest)
	}

	// ids seen on apply are never handed out again
	if id := fs.objects.NextObjectID(); id <= 101 {
		t.Errorf("NextObjectID() = %d, want > 101", id)
	}
}

func TestChildStoreRegisteredOnApply(t *testing.T) {
	fs, _ := newFakeFilesystem(t)
	ctx := ApplyContext{Mode: ApplyReplay}
	m := InsertObject(ObjectRecordKey(50), ObjectRecord(ValueStore, 0))
	require.NoError(t, fs.objects.ApplyMutation(testRootStoreID, m, ctx, NoAssoc))
	child, ok := fs.objects.Store(50)
	if !ok {
		t.Fatalf("child store 50 was not registered")
	}
	if child.Parent().StoreObjectID() != testRootStoreID {
		t.Errorf("child parent = %d, want %d", child.Parent().StoreObjectID(), testRootStoreID)
	}

	bad := InsertObject(ObjectRecordKey(1), ObjectRecord(ValueObject, 0))
	if err := fs.objects.ApplyMutation(testRootParentID, bad, ctx, NoAssoc); !errors.Is(err, ErrInconsistent) {
		t.Errorf("mutation for an unknown store error = %v, want %v", err, ErrInconsistent)
	}
}

func TestDeleteRecord(t *testing.T) {
	fs, root := newFakeFilesystem(t)
	ctx := ApplyContext{Mode: ApplyLive}
	key := ObjectRecordKey(77)
	require.NoError(t, fs.objects.ApplyMutation(testRootStoreID, InsertObject(key, ObjectRecord(ValueObject, 3)), ctx, NoAssoc))
	require.NoError(t, fs.objects.ApplyMutation(testRootStoreID, InsertObject(key, Deleted()), ctx, NoAssoc))
	if _, err := root.Get(key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete error = %v, want %v", err, ErrNotFound)
	}
}

func TestFingerprint(t *testing.T) {
	fs, root := newFakeFilesystem(t)
	other, err := NewEmpty(nil, 90, fs)
	require.NoError(t, err)
	defer other.Close()

	items := []ObjectItem{
		{Key: ObjectRecordKey(10), Value: ObjectRecord(ValueObject, 5)},
		{Key: ExtentKey(10, 0), Value: ExtentRecord(1 << 20, 512)},
	}
	ctx := ApplyContext{Mode: ApplyLive}
	for _, item := range items {
		m := InsertObject(item.Key, item.Value)
		require.NoError(t, root.ApplyMutation(m.ObjectStore, ctx, NoAssoc))
	}
	// same records, applied in the opposite order
	for i := len(items) - 1; i >= 0; i-- {
		m := InsertObject(items[i].Key, items[i].Value)
		require.NoError(t, other.ApplyMutation(m.ObjectStore, ctx, NoAssoc))
	}
	a, err := root.Fingerprint()
	require.NoError(t, err)
	b, err := other.Fingerprint()
	require.NoError(t, err)
	if a != b {
		t.Errorf("fingerprints differ: %s != %s", a, b)
	}

	got, err := root.Items()
	require.NoError(t, err)
	if diff := deep.Equal(got, items); diff != nil {
		t.Errorf("items mismatch: %v", diff)
	}
}

func TestMutationEncoding(t *testing.T) {
	m := InsertObject(ExtentKey(7, 4096), ExtentRecord(8192, 512))
	b, err := blockstream.Marshal(m)
	require.NoError(t, err)
	var got Mutation
	require.NoError(t, blockstream.Unmarshal(b, &got))
	if got.Allocator != nil || got.ObjectStore == nil {
		t.Fatalf("decoded mutation has the wrong variant: %s", got)
	}
	if diff := deep.Equal(got, m); diff != nil {
		t.Errorf("decoded mutation mismatch: %v", diff)
	}
	if err := (Mutation{}).Validate(); !errors.Is(err, ErrInconsistent) {
		t.Errorf("empty mutation Validate() = %v, want %v", err, ErrInconsistent)
	}
}

func TestJournalFileOffsetsExclude(t *testing.T) {
	fs, _ := newFakeFilesystem(t)
	child := InsertObject(ObjectRecordKey(60), ObjectRecord(ValueStore, 0))
	require.NoError(t, fs.objects.ApplyMutation(testRootStoreID, child, ApplyContext{Checkpoint: blockstream.NewCheckpoint(100, 0)}, NoAssoc))
	m := InsertObject(ObjectRecordKey(61), ObjectRecord(ValueObject, 0))
	require.NoError(t, fs.objects.ApplyMutation(60, m, ApplyContext{Checkpoint: blockstream.NewCheckpoint(200, 0)}, NoAssoc))

	offsets, earliest := fs.objects.JournalFileOffsets(testRootStoreID)
	if diff := deep.Equal(offsets, map[uint64]uint64{60: 200}); diff != nil {
		t.Errorf("offsets mismatch: %v", diff)
	}
	if earliest == nil || earliest.FileOffset != 200 {
		t.Errorf("earliest = %v, want offset 200", earliest)
	}
}
