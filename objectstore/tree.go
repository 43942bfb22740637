package objectstore

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/diskfs/go-fxfs/blockstream"
)

// tree holds the records of one store in an in-memory pebble instance. Durability comes
// from the journal and the super-block, so pebble runs without a WAL.
type tree struct {
	inner *pebble.DB
}

func newTree() (*tree, error) {
	db, err := pebble.Open("", &pebble.Options{
		FS:         vfs.NewMem(),
		DisableWAL: true,
	})
	if err != nil {
		return nil, fmt.Errorf("could not open record tree: %w", err)
	}
	return &tree{inner: db}, nil
}

func (t *tree) close() error {
	if t == nil || t.inner == nil {
		return nil
	}
	err := t.inner.Close()
	t.inner = nil
	return err
}

// apply inserts the item, or deletes its key when the value is ValueNone
func (t *tree) apply(item ObjectItem) error {
	key := item.Key.encode()
	if item.Value.Kind == ValueNone {
		return t.inner.Delete(key, pebble.NoSync)
	}
	value, err := blockstream.Marshal(item.Value)
	if err != nil {
		return fmt.Errorf("could not encode value for %s: %w", item.Key, err)
	}
	return t.inner.Set(key, value, pebble.NoSync)
}

// get returns the value for key, or ErrNotFound
func (t *tree) get(key ObjectKey) (ObjectValue, error) {
	val, closer, err := t.inner.Get(key.encode())
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return ObjectValue{}, ErrNotFound
		}
		return ObjectValue{}, err
	}
	defer closer.Close()
	var v ObjectValue
	if err := blockstream.Unmarshal(val, &v); err != nil {
		return ObjectValue{}, fmt.Errorf("could not decode value for %s: %w", key, err)
	}
	return v, nil
}

// scan calls fn for every item with from <= key < to, in key order. A nil bound is open.
func (t *tree) scan(from, to *ObjectKey, fn func(ObjectItem) error) error {
	opts := &pebble.IterOptions{}
	if from != nil {
		opts.LowerBound = from.encode()
	}
	if to != nil {
		opts.UpperBound = to.encode()
	}
	iter, err := t.inner.NewIter(opts)
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		key, err := decodeKey(iter.Key())
		if err != nil {
			return err
		}
		var value ObjectValue
		if err := blockstream.Unmarshal(iter.Value(), &value); err != nil {
			return fmt.Errorf("could not decode value for %s: %w", key, err)
		}
		if err := fn(ObjectItem{Key: key, Value: value}); err != nil {
			return err
		}
	}
	return iter.Error()
}
