package objectstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/diskfs/go-fxfs/blockstream"
	"github.com/diskfs/go-fxfs/device"
	"github.com/diskfs/go-fxfs/testhelper"
)

const (
	testDeviceSize   = 4 * 1024 * 1024
	testBlockSize    = 512
	testRootStoreID  = 3
	testAllocatorID  = 4
	testRootParentID = 2
)

// fakeFilesystem applies committed transactions directly, numbering them with a fake
// journal offset
type fakeFilesystem struct {
	dev     *device.Device
	objects *ObjectManager
	offset  uint64
}

func newFakeFilesystem(t *testing.T) (*fakeFilesystem, *ObjectStore) {
	t.Helper()
	dev, err := device.New(testhelper.NewFileImpl(testDeviceSize), testBlockSize)
	require.NoError(t, err)
	fs := &fakeFilesystem{dev: dev, objects: NewObjectManager(nil)}
	fs.objects.SetAllocator(NewAllocator(fs, testAllocatorID))
	root, err := NewEmpty(nil, testRootStoreID, fs)
	require.NoError(t, err)
	fs.objects.RegisterStore(root)
	fs.objects.SetRootStoreObjectID(testRootStoreID)
	t.Cleanup(func() { _ = fs.objects.Close() })
	return fs, root
}

func (f *fakeFilesystem) Device() *device.Device {
	return f.dev
}

func (f *fakeFilesystem) ObjectManager() *ObjectManager {
	return f.objects
}

func (f *fakeFilesystem) NewTransaction(opts Options) (*Transaction, error) {
	return NewTransaction(f, opts), nil
}

func (f *fakeFilesystem) CommitTransaction(txn *Transaction) (uint64, error) {
	ctx := ApplyContext{Mode: ApplyLive, Checkpoint: blockstream.NewCheckpoint(f.offset, 0)}
	for _, m := range txn.TakeMutations() {
		if err := f.objects.ApplyMutation(m.ObjectID, m.Mutation, ctx, m.Assoc); err != nil {
			return 0, err
		}
		f.offset += 100
	}
	return f.offset, nil
}
