// Package objectstore holds the in-memory object stores, the allocator and the
// object manager that the journal replays mutations into.
package objectstore

import (
	"github.com/diskfs/go-fxfs/device"
)

// Filesystem is what stores, handles and the allocator need from the filesystem that owns them
type Filesystem interface {
	TransactionHandler
	Device() *device.Device
	ObjectManager() *ObjectManager
}
