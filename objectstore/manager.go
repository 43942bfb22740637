package objectstore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/diskfs/go-fxfs/blockstream"
)

// ObjectManager routes mutations to stores and the allocator and remembers, per store or
// allocator, the earliest journal checkpoint whose mutations are not yet persisted anywhere
// but in the journal.
type ObjectManager struct {
	mu                      sync.RWMutex
	log                     logrus.FieldLogger
	stores                  map[uint64]*ObjectStore
	rootParentStoreObjectID uint64
	rootStoreObjectID       uint64
	allocator               *Allocator
	dirty                   map[uint64]blockstream.Checkpoint
	lastObjectID            uint64
}

// NewObjectManager returns an empty manager
func NewObjectManager(log logrus.FieldLogger) *ObjectManager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ObjectManager{
		log:    log.WithField("component", "objects"),
		stores: map[uint64]*ObjectStore{},
		dirty:  map[uint64]blockstream.Checkpoint{},
	}
}

// RegisterStore makes a store reachable for mutations addressed to its id
func (m *ObjectManager) RegisterStore(s *ObjectStore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores[s.StoreObjectID()] = s
	m.reserveLocked(s.StoreObjectID())
}

// Store returns a registered store
func (m *ObjectManager) Store(id uint64) (*ObjectStore, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stores[id]
	return s, ok
}

// Stores returns every registered store ordered by id
func (m *ObjectManager) Stores() []*ObjectStore {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ObjectStore, 0, len(m.stores))
	for _, s := range m.stores {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoreObjectID() < out[j].StoreObjectID() })
	return out
}

// SetRootParentStoreObjectID records which registered store is the root parent
func (m *ObjectManager) SetRootParentStoreObjectID(id uint64) {
	m.mu.Lock()
	m.rootParentStoreObjectID = id
	m.mu.Unlock()
}

// SetRootStoreObjectID records which registered store is the root store
func (m *ObjectManager) SetRootStoreObjectID(id uint64) {
	m.mu.Lock()
	m.rootStoreObjectID = id
	m.mu.Unlock()
}

// RootParentStore returns the root parent store, or nil
func (m *ObjectManager) RootParentStore() *ObjectStore {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stores[m.rootParentStoreObjectID]
}

// RootStore returns the root store, or nil
func (m *ObjectManager) RootStore() *ObjectStore {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stores[m.rootStoreObjectID]
}

// SetAllocator installs the allocator
func (m *ObjectManager) SetAllocator(a *Allocator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocator = a
	m.reserveLocked(a.ObjectID())
}

// Allocator returns the allocator, or nil
func (m *ObjectManager) Allocator() *Allocator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allocator
}

// NextObjectID reserves and returns an unused object id
func (m *ObjectManager) NextObjectID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastObjectID++
	return m.lastObjectID
}

// ReserveObjectID keeps id from being handed out by NextObjectID
func (m *ObjectManager) ReserveObjectID(id uint64) {
	m.mu.Lock()
	m.reserveLocked(id)
	m.mu.Unlock()
}

func (m *ObjectManager) reserveLocked(id uint64) {
	if id > m.lastObjectID {
		m.lastObjectID = id
	}
}

// ApplyMutation applies a mutation to the store or allocator objectID. New child stores
// are registered as their store records are applied.
func (m *ObjectManager) ApplyMutation(objectID uint64, mutation Mutation, ctx ApplyContext, assoc AssocObj) error {
	if err := mutation.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	if _, ok := m.dirty[objectID]; !ok {
		m.dirty[objectID] = ctx.Checkpoint
	}
	allocator := m.allocator
	store := m.stores[objectID]
	m.mu.Unlock()

	log := m.log.WithFields(logrus.Fields{"object_id": objectID, "offset": ctx.Checkpoint.FileOffset, "mode": ctx.Mode})
	if assoc.Kind == AssocJournal {
		log = log.WithField("journal", true)
	}

	if mutation.Allocator != nil {
		if allocator == nil || allocator.ObjectID() != objectID {
			return fmt.Errorf("allocator mutation for unknown object %d: %w", objectID, ErrInconsistent)
		}
		log.Debugf("apply %s", mutation)
		return allocator.ApplyMutation(mutation.Allocator, ctx)
	}

	if store == nil {
		return fmt.Errorf("mutation for unknown store %d: %w", objectID, ErrInconsistent)
	}
	log.Debugf("apply %s", mutation)
	if err := store.ApplyMutation(mutation.ObjectStore, ctx, assoc); err != nil {
		return err
	}

	item := mutation.ObjectStore.Item
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserveLocked(item.Key.ObjectID)
	if item.Value.Kind == ValueStore {
		if _, ok := m.stores[item.Key.ObjectID]; !ok {
			child, err := NewEmpty(store, item.Key.ObjectID, store.Filesystem())
			if err != nil {
				return err
			}
			m.stores[item.Key.ObjectID] = child
		}
	}
	return nil
}

// JournalFileOffsets returns, for every object with unpersisted mutations, the journal
// offset those mutations start at, plus the earliest such checkpoint. Objects listed in
// exclude are left out. The checkpoint is nil when nothing is dirty.
func (m *ObjectManager) JournalFileOffsets(exclude ...uint64) (map[uint64]uint64, *blockstream.Checkpoint) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	offsets := make(map[uint64]uint64, len(m.dirty))
	var earliest *blockstream.Checkpoint
outer:
	for id, cp := range m.dirty {
		for _, e := range exclude {
			if id == e {
				continue outer
			}
		}
		offsets[id] = cp.FileOffset
		if earliest == nil || cp.FileOffset < earliest.FileOffset {
			c := cp
			earliest = &c
		}
	}
	return offsets, earliest
}

// ObjectSynced records that objectID's mutations are now persisted outside the journal
func (m *ObjectManager) ObjectSynced(objectID uint64) {
	m.mu.Lock()
	delete(m.dirty, objectID)
	m.mu.Unlock()
}

// Close closes every registered store
func (m *ObjectManager) Close() error {
	var firstErr error
	for _, s := range m.Stores() {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
