package fsck_test

import (
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/diskfs/go-fxfs/device"
	"github.com/diskfs/go-fxfs/filesystem/fxfs"
	"github.com/diskfs/go-fxfs/fsck"
	"github.com/diskfs/go-fxfs/journal"
	"github.com/diskfs/go-fxfs/objectstore"
	"github.com/diskfs/go-fxfs/testhelper"
)

const (
	testDeviceSize      = 16 * 1024 * 1024
	testDeviceBlockSize = 512
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newFilesystem(t *testing.T) (*testhelper.FileImpl, *fxfs.FileSystem) {
	t.Helper()
	f := testhelper.NewFileImpl(testDeviceSize)
	dev, err := device.New(f, testDeviceBlockSize)
	require.NoError(t, err)
	fs, err := fxfs.NewEmpty(dev, fxfs.Params{Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })
	return f, fs
}

func writeFiles(t *testing.T, fs *fxfs.FileSystem, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		file, err := fs.CreateFile()
		require.NoError(t, err)
		_, err = file.WriteAt(make([]byte, 700*(i+1)), 0)
		require.NoError(t, err)
	}
}

// commit applies raw mutations to the root store
func commit(t *testing.T, fs *fxfs.FileSystem, build func(txn *objectstore.Transaction)) {
	t.Helper()
	txn, err := fs.NewTransaction(objectstore.Options{})
	require.NoError(t, err)
	build(txn)
	_, err = txn.Commit()
	require.NoError(t, err)
}

// insertExtent adds an extent record for a new object, or for objectID when it is not zero
func insertExtent(t *testing.T, fs *fxfs.FileSystem, objectID, deviceOffset, length uint64) {
	t.Helper()
	commit(t, fs, func(txn *objectstore.Transaction) {
		if objectID == 0 {
			h, err := fs.RootStore().CreateObject(txn)
			require.NoError(t, err)
			objectID = h.ObjectID()
		}
		txn.Add(fs.RootStore().StoreObjectID(), objectstore.InsertObject(objectstore.ExtentKey(objectID, 0), objectstore.ExtentRecord(deviceOffset, length)))
	})
}

func lastBlock(fs *fxfs.FileSystem) uint64 {
	return fs.Device().Size() - testDeviceBlockSize
}

func TestCheckClean(t *testing.T) {
	f, fs := newFilesystem(t)
	writeFiles(t, fs, 10)
	require.NoError(t, fs.Sync(fxfs.SyncOptions{}))

	report, err := fsck.Check(fs, fsck.Options{Logger: quietLogger()})
	require.NoError(t, err)
	if report.Mapped != report.Allocated {
		t.Errorf("mapped %d bytes, allocated %d", report.Mapped, report.Allocated)
	}
	require.NoError(t, fs.Close())

	// and again after replay
	dev, err := device.New(f, testDeviceBlockSize)
	require.NoError(t, err)
	fs, err = fxfs.Open(dev, fxfs.Params{Logger: quietLogger()})
	require.NoError(t, err)
	defer fs.Close()
	report, err = fsck.Check(fs, fsck.Options{Logger: quietLogger()})
	require.NoError(t, err)
	if len(report.Issues) != 0 {
		t.Errorf("issues after replay: %v", report.Issues)
	}
	if report.Stores != 2 {
		t.Errorf("checked %d stores, want 2", report.Stores)
	}
}

func TestCheckIssues(t *testing.T) {
	tests := []struct {
		name     string
		corrupt  func(t *testing.T, fs *fxfs.FileSystem)
		expected []fsck.IssueKind
	}{
		{"extra allocation", func(t *testing.T, fs *fxfs.FileSystem) {
			commit(t, fs, func(txn *objectstore.Transaction) {
				r := objectstore.DeviceRange{Start: lastBlock(fs), End: lastBlock(fs) + testDeviceBlockSize}
				require.NoError(t, fs.ObjectManager().Allocator().MarkAllocated(txn, r))
			})
		}, []fsck.IssueKind{fsck.ExtraAllocation, fsck.AllocatedBytesMismatch}},
		{"missing allocation", func(t *testing.T, fs *fxfs.FileSystem) {
			insertExtent(t, fs, 0, lastBlock(fs), testDeviceBlockSize)
		}, []fsck.IssueKind{fsck.MissingAllocation, fsck.AllocatedBytesMismatch}},
		{"overlapping extents", func(t *testing.T, fs *fxfs.FileSystem) {
			first := journal.SuperBlockA.FirstExtent()
			insertExtent(t, fs, 0, first.Start, testDeviceBlockSize)
		}, []fsck.IssueKind{fsck.OverlappingExtents}},
		{"misaligned extent", func(t *testing.T, fs *fxfs.FileSystem) {
			insertExtent(t, fs, 0, lastBlock(fs)-100, testDeviceBlockSize)
		}, []fsck.IssueKind{fsck.MisalignedExtent}},
		{"malformed extent", func(t *testing.T, fs *fxfs.FileSystem) {
			insertExtent(t, fs, 0, lastBlock(fs), 0)
		}, []fsck.IssueKind{fsck.MalformedExtent}},
		{"extent past the device", func(t *testing.T, fs *fxfs.FileSystem) {
			insertExtent(t, fs, 0, fs.Device().Size(), testDeviceBlockSize)
		}, []fsck.IssueKind{fsck.ExtentOutOfRange}},
		{"orphaned extent", func(t *testing.T, fs *fxfs.FileSystem) {
			r := objectstore.DeviceRange{Start: lastBlock(fs), End: lastBlock(fs) + testDeviceBlockSize}
			commit(t, fs, func(txn *objectstore.Transaction) {
				require.NoError(t, fs.ObjectManager().Allocator().MarkAllocated(txn, r))
			})
			insertExtent(t, fs, 1<<40, r.Start, r.Len())
		}, []fsck.IssueKind{fsck.OrphanedExtent}},
		{"missing super-block object", func(t *testing.T, fs *fxfs.FileSystem) {
			commit(t, fs, func(txn *objectstore.Transaction) {
				txn.Add(fs.RootStore().StoreObjectID(), objectstore.InsertObject(objectstore.ObjectRecordKey(journal.SuperBlockBObjectID), objectstore.Deleted()))
			})
		}, []fsck.IssueKind{fsck.MissingObject, fsck.OrphanedExtent}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, fs := newFilesystem(t)
			writeFiles(t, fs, 3)
			require.NoError(t, fs.Sync(fxfs.SyncOptions{}))
			tt.corrupt(t, fs)

			var seen []fsck.IssueKind
			report, err := fsck.Check(fs, fsck.Options{
				Logger:  quietLogger(),
				OnIssue: func(i fsck.Issue) { seen = append(seen, i.Kind) },
			})
			if !errors.Is(err, fsck.ErrFailed) {
				t.Fatalf("Check() error = %v, want %v", err, fsck.ErrFailed)
			}
			if diff := cmp.Diff(tt.expected, seen); diff != "" {
				t.Errorf("issues mismatch (-want +got):\n%s", diff)
			}
			if len(report.Issues) != len(seen) {
				t.Errorf("report holds %d issues, callback saw %d", len(report.Issues), len(seen))
			}
		})
	}
}

func TestCheckHaltOnError(t *testing.T) {
	_, fs := newFilesystem(t)
	insertExtent(t, fs, 0, lastBlock(fs), testDeviceBlockSize)
	insertExtent(t, fs, 0, lastBlock(fs)-testDeviceBlockSize, testDeviceBlockSize)

	report, err := fsck.Check(fs, fsck.Options{Logger: quietLogger(), HaltOnError: true})
	if !errors.Is(err, fsck.ErrFailed) {
		t.Fatalf("Check() error = %v, want %v", err, fsck.ErrFailed)
	}
	if len(report.Issues) != 1 {
		t.Errorf("halted check found %d issues, want 1", len(report.Issues))
	}
}
