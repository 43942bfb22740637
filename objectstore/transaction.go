package objectstore

import (
	"fmt"

	"github.com/diskfs/go-fxfs/blockstream"
)

// Options control how a transaction is created and committed
type Options struct {
	// SkipJournalChecks allows a transaction while the journal is busy, e.g. during a
	// super-block write
	SkipJournalChecks bool
	// BorrowMetadataSpace charges allocations against borrowed metadata space
	BorrowMetadataSpace bool
}

// AssocKind says which in-memory object, besides the store, a mutation updates
type AssocKind int

const (
	// AssocNone means the mutation only updates its store
	AssocNone AssocKind = iota
	// AssocHandle means an open handle tracks the object's size
	AssocHandle
	// AssocJournal means the handle is the journal's own file
	AssocJournal
)

// AssocObj is the object a mutation is associated with
type AssocObj struct {
	Kind   AssocKind
	Handle *StoreObjectHandle
}

// NoAssoc is the zero association
var NoAssoc = AssocObj{}

// HandleAssoc associates a mutation with an open handle
func HandleAssoc(h *StoreObjectHandle) AssocObj {
	return AssocObj{Kind: AssocHandle, Handle: h}
}

// JournalAssoc associates a mutation with the journal file's handle
func JournalAssoc(h *StoreObjectHandle) AssocObj {
	return AssocObj{Kind: AssocJournal, Handle: h}
}

// ApplyMode says whether mutations come from a live commit or from replay
type ApplyMode int

const (
	// ApplyLive is used for mutations of committed transactions
	ApplyLive ApplyMode = iota
	// ApplyReplay is used for mutations read back from the journal or a super-block
	ApplyReplay
)

func (m ApplyMode) String() string {
	if m == ApplyReplay {
		return "replay"
	}
	return "live"
}

// ApplyContext accompanies every applied mutation
type ApplyContext struct {
	Mode ApplyMode
	// Checkpoint is the journal position of the start of the mutation's transaction
	Checkpoint blockstream.Checkpoint
}

// TxnMutation is one entry of a transaction
type TxnMutation struct {
	ObjectID uint64
	Mutation Mutation
	Assoc    AssocObj
}

// TransactionHandler creates and commits transactions
type TransactionHandler interface {
	NewTransaction(opts Options) (*Transaction, error)
	// CommitTransaction persists and applies txn, returning the journal offset after it
	CommitTransaction(txn *Transaction) (uint64, error)
}

// Transaction is an ordered batch of mutations that is applied atomically
type Transaction struct {
	handler   TransactionHandler
	options   Options
	mutations []TxnMutation
	onDrop    []func()
	done      bool
}

// NewTransaction returns an empty transaction committed through handler
func NewTransaction(handler TransactionHandler, opts Options) *Transaction {
	return &Transaction{handler: handler, options: opts}
}

// Options returns the options the transaction was created with
func (t *Transaction) Options() Options {
	return t.options
}

// Add appends a mutation for the store or allocator objectID
func (t *Transaction) Add(objectID uint64, m Mutation) {
	t.AddWithObject(objectID, m, NoAssoc)
}

// AddWithObject appends a mutation that also updates assoc when applied
func (t *Transaction) AddWithObject(objectID uint64, m Mutation, assoc AssocObj) {
	if t.done {
		panic("mutation added to a finished transaction")
	}
	t.mutations = append(t.mutations, TxnMutation{ObjectID: objectID, Mutation: m, Assoc: assoc})
}

// Mutations returns the mutations in order
func (t *Transaction) Mutations() []TxnMutation {
	return t.mutations
}

// TakeMutations removes and returns the mutations
func (t *Transaction) TakeMutations() []TxnMutation {
	m := t.mutations
	t.mutations = nil
	return m
}

// IsEmpty reports whether the transaction holds no mutations
func (t *Transaction) IsEmpty() bool {
	return len(t.mutations) == 0
}

// OnDrop registers f to run if the transaction is dropped without being committed
func (t *Transaction) OnDrop(f func()) {
	t.onDrop = append(t.onDrop, f)
}

// Commit persists and applies the transaction. The transaction cannot be used afterwards.
func (t *Transaction) Commit() (uint64, error) {
	if t.done {
		return 0, fmt.Errorf("transaction already finished")
	}
	offset, err := t.handler.CommitTransaction(t)
	t.done = true
	// committed mutations consumed their reservations; anything left is released
	t.release()
	return offset, err
}

// Drop discards an uncommitted transaction and releases its reservations
func (t *Transaction) Drop() {
	if t.done {
		return
	}
	t.done = true
	t.mutations = nil
	t.release()
}

func (t *Transaction) release() {
	for _, f := range t.onDrop {
		f()
	}
	t.onDrop = nil
}
