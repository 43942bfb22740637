// Package fxfs mounts and formats fxfs filesystems: object stores whose metadata is
// made durable by a write-ahead journal and bootstrapped from A/B super-blocks.
package fxfs

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/diskfs/go-fxfs/device"
	"github.com/diskfs/go-fxfs/filesystem"
	"github.com/diskfs/go-fxfs/journal"
	"github.com/diskfs/go-fxfs/objectstore"
)

// MinDeviceSize is the smallest device that can hold both super-blocks and a journal
const MinDeviceSize = 2*journal.MinSuperBlockSize + 2*journal.ChunkSize + 4*journal.SuperBlockChunkSize

// Params configure a filesystem. The zero value selects defaults.
type Params struct {
	// GUID is assigned by NewEmpty; a random one is used when nil
	GUID *uuid.UUID
	// SuperBlockInterval is how many journal bytes may be written before a new
	// super-block is due
	SuperBlockInterval uint64
	// Logger receives the filesystem's log entries; logrus.StandardLogger() when nil
	Logger logrus.FieldLogger
}

// SyncOptions control Sync
type SyncOptions = journal.SyncOptions

// FileSystem is a mounted fxfs filesystem. It owns its device, the object manager and the
// journal.
type FileSystem struct {
	dev     *device.Device
	objects *objectstore.ObjectManager
	journal *journal.Journal
	log     logrus.FieldLogger

	mu     sync.Mutex
	closed bool
}

// interface guards
var (
	_ filesystem.FileSystem = (*FileSystem)(nil)
	_ objectstore.Filesystem = (*FileSystem)(nil)
)

func newFileSystem(dev *device.Device, p Params) *FileSystem {
	log := p.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	objects := objectstore.NewObjectManager(log)
	return &FileSystem{
		dev:     dev,
		objects: objects,
		journal: journal.New(objects, journal.Options{
			Logger:             log,
			SuperBlockInterval: p.SuperBlockInterval,
			GUID:               p.GUID,
		}),
		log: log.WithField("component", "fxfs"),
	}
}

// NewEmpty formats dev. The new filesystem only becomes durable with the first Sync.
func NewEmpty(dev *device.Device, p Params) (*FileSystem, error) {
	if dev.ReadOnly() {
		return nil, filesystem.ErrReadonlyFilesystem
	}
	if dev.Size() < MinDeviceSize {
		return nil, fmt.Errorf("device size %d is smaller than the minimum %d", dev.Size(), MinDeviceSize)
	}
	fs := newFileSystem(dev, p)
	if err := fs.journal.InitEmpty(fs); err != nil {
		_ = fs.objects.Close()
		return nil, fmt.Errorf("could not initialize filesystem: %w", err)
	}
	return fs, nil
}

// Open mounts the filesystem on dev, replaying its journal
func Open(dev *device.Device, p Params) (*FileSystem, error) {
	fs := newFileSystem(dev, p)
	if err := fs.journal.Replay(fs); err != nil {
		_ = fs.objects.Close()
		return nil, fmt.Errorf("could not replay journal: %w", err)
	}
	return fs, nil
}

// Type returns filesystem.TypeFxfs
func (fs *FileSystem) Type() filesystem.Type {
	return filesystem.TypeFxfs
}

// Device returns the device the filesystem lives on
func (fs *FileSystem) Device() *device.Device {
	return fs.dev
}

// ObjectManager returns the registry of open stores
func (fs *FileSystem) ObjectManager() *objectstore.ObjectManager {
	return fs.objects
}

// Journal returns the filesystem's journal
func (fs *FileSystem) Journal() *journal.Journal {
	return fs.journal
}

// RootStore returns the store holding user and metadata objects
func (fs *FileSystem) RootStore() *objectstore.ObjectStore {
	return fs.objects.RootStore()
}

// RootParentStore returns the store persisted in the super-block
func (fs *FileSystem) RootParentStore() *objectstore.ObjectStore {
	return fs.objects.RootParentStore()
}

// NewTransaction starts a transaction
func (fs *FileSystem) NewTransaction(opts objectstore.Options) (*objectstore.Transaction, error) {
	fs.mu.Lock()
	closed := fs.closed
	fs.mu.Unlock()
	if closed {
		return nil, filesystem.ErrClosed
	}
	if fs.dev.ReadOnly() && !opts.SkipJournalChecks {
		return nil, filesystem.ErrReadonlyFilesystem
	}
	return objectstore.NewTransaction(fs, opts), nil
}

// CommitTransaction commits txn through the journal
func (fs *FileSystem) CommitTransaction(txn *objectstore.Transaction) (uint64, error) {
	return fs.journal.Commit(txn)
}

// Sync makes every committed transaction durable
func (fs *FileSystem) Sync(opts SyncOptions) error {
	fs.mu.Lock()
	closed := fs.closed
	fs.mu.Unlock()
	if closed {
		return filesystem.ErrClosed
	}
	if fs.dev.ReadOnly() {
		return filesystem.ErrReadonlyFilesystem
	}
	return fs.journal.Sync(opts)
}

// RootVolumeInfoObjectID returns the object id recorded in the super-block
func (fs *FileSystem) RootVolumeInfoObjectID() uint64 {
	return fs.journal.RootVolumeInfoObjectID()
}

// SetRootVolumeInfoObjectID records id in the super-block; it is persisted by the next Sync
func (fs *FileSystem) SetRootVolumeInfoObjectID(id uint64) {
	fs.journal.SetRootVolumeInfoObjectID(id)
}

// SuperBlock returns the current super-block and the copy holding it
func (fs *FileSystem) SuperBlock() (journal.SuperBlock, journal.SuperBlockCopy) {
	return fs.journal.SuperBlock()
}

// Label returns the filesystem GUID
func (fs *FileSystem) Label() string {
	sb, _ := fs.journal.SuperBlock()
	return sb.GUID.String()
}

// Close releases the filesystem and its device. Changes that were not synced are lost.
func (fs *FileSystem) Close() error {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return nil
	}
	fs.closed = true
	fs.mu.Unlock()
	if err := fs.objects.Close(); err != nil {
		return err
	}
	return fs.dev.Close()
}
