package objectstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/diskfs/go-fxfs/blockstream"
)

// ObjectStore is a collection of object records. Its parent holds the object record of
// the store itself; the root parent store has no parent.
type ObjectStore struct {
	mu            sync.Mutex
	fs            Filesystem
	parent        *ObjectStore
	storeObjectID uint64
	tree          *tree
}

// NewEmpty returns an empty store. It is not registered with the object manager.
func NewEmpty(parent *ObjectStore, storeObjectID uint64, fs Filesystem) (*ObjectStore, error) {
	t, err := newTree()
	if err != nil {
		return nil, err
	}
	return &ObjectStore{
		fs:            fs,
		parent:        parent,
		storeObjectID: storeObjectID,
		tree:          t,
	}, nil
}

// StoreObjectID returns the id of the store object in its parent
func (s *ObjectStore) StoreObjectID() uint64 {
	return s.storeObjectID
}

// Parent returns the parent store, nil for the root parent
func (s *ObjectStore) Parent() *ObjectStore {
	return s.parent
}

// Filesystem returns the filesystem the store belongs to
func (s *ObjectStore) Filesystem() Filesystem {
	return s.fs
}

// CreateObject adds a new empty object to txn and returns a handle to it
func (s *ObjectStore) CreateObject(txn *Transaction) (*StoreObjectHandle, error) {
	id := s.fs.ObjectManager().NextObjectID()
	return s.CreateObjectWithID(txn, id)
}

// CreateObjectWithID adds an empty object with a fixed id to txn
func (s *ObjectStore) CreateObjectWithID(txn *Transaction, objectID uint64) (*StoreObjectHandle, error) {
	if err := s.createRecord(txn, objectID, ValueObject); err != nil {
		return nil, err
	}
	return newHandle(s, objectID, 0), nil
}

// CreateChildStoreWithID adds a store object to txn and registers the new, empty store
func (s *ObjectStore) CreateChildStoreWithID(txn *Transaction, objectID uint64) (*ObjectStore, error) {
	if err := s.createRecord(txn, objectID, ValueStore); err != nil {
		return nil, err
	}
	child, err := NewEmpty(s, objectID, s.fs)
	if err != nil {
		return nil, err
	}
	s.fs.ObjectManager().RegisterStore(child)
	return child, nil
}

func (s *ObjectStore) createRecord(txn *Transaction, objectID uint64, kind ValueKind) error {
	s.mu.Lock()
	_, err := s.tree.get(ObjectRecordKey(objectID))
	s.mu.Unlock()
	switch {
	case err == nil:
		return fmt.Errorf("object %d in store %d: %w", objectID, s.storeObjectID, ErrAlreadyExists)
	case !errors.Is(err, ErrNotFound):
		return err
	}
	s.fs.ObjectManager().ReserveObjectID(objectID)
	txn.Add(s.storeObjectID, InsertObject(ObjectRecordKey(objectID), ObjectRecord(kind, 0)))
	return nil
}

// OpenObject returns a handle to an existing object
func (s *ObjectStore) OpenObject(objectID uint64) (*StoreObjectHandle, error) {
	v, err := s.Get(ObjectRecordKey(objectID))
	if err != nil {
		return nil, fmt.Errorf("could not open object %d in store %d: %w", objectID, s.storeObjectID, err)
	}
	if v.Kind != ValueObject {
		return nil, fmt.Errorf("object %d in store %d is a %s: %w", objectID, s.storeObjectID, v.Kind, ErrInconsistent)
	}
	return newHandle(s, objectID, v.Size), nil
}

// Get returns the value of a single record
func (s *ObjectStore) Get(key ObjectKey) (ObjectValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.get(key)
}

// ApplyMutation applies a committed or replayed mutation to the tree and to the associated handle
func (s *ObjectStore) ApplyMutation(m *ObjectStoreMutation, ctx ApplyContext, assoc AssocObj) error {
	item := m.Item
	s.mu.Lock()
	err := s.tree.apply(item)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store %d could not apply %s at %s: %w", s.storeObjectID, item.Key, ctx.Checkpoint, err)
	}
	if assoc.Handle != nil && item.Key.Kind == KeyObject && item.Key.ObjectID == assoc.Handle.ObjectID() {
		assoc.Handle.setSize(item.Value.Size)
	}
	return nil
}

// Extents returns the extents of objectID ordered by file offset
func (s *ObjectStore) Extents(objectID uint64) ([]ObjectItem, error) {
	from := ExtentKey(objectID, 0)
	to := ObjectRecordKey(objectID + 1)
	var out []ObjectItem
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.tree.scan(&from, &to, func(item ObjectItem) error {
		out = append(out, item)
		return nil
	})
	return out, err
}

// Items returns every record in key order
func (s *ObjectStore) Items() ([]ObjectItem, error) {
	var out []ObjectItem
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.tree.scan(nil, nil, func(item ObjectItem) error {
		out = append(out, item)
		return nil
	})
	return out, err
}

// Fingerprint returns a BLAKE3 digest of the store's records, hex encoded. Two stores
// with the same records have the same fingerprint.
func (s *ObjectStore) Fingerprint() (string, error) {
	items, err := s.Items()
	if err != nil {
		return "", err
	}
	h := blake3.New()
	for _, item := range items {
		b, err := blockstream.Marshal(item)
		if err != nil {
			return "", err
		}
		_, _ = h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Close releases the store's tree
func (s *ObjectStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.close()
}
