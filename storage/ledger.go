package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/algorand/go-deadlock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned when no record is allocated at a key.
	ErrNotFound = errors.New("account not found")
	// ErrAlreadyInUse is returned when creating a record at an allocated key.
	ErrAlreadyInUse = errors.New("account already in use")
)

// Kind separates record spaces inside the store. Each stored key is the kind
// byte followed by the 32-byte derived address.
type Kind byte

const (
	KindVoteManager Kind = iota + 1
	KindProject
	KindBallot
	KindTokenAccount
	KindMint
)

func (k Kind) String() string {
	switch k {
	case KindVoteManager:
		return "vote_manager"
	case KindProject:
		return "project"
	case KindBallot:
		return "ballot"
	case KindTokenAccount:
		return "token_account"
	case KindMint:
		return "mint"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

func storeKey(kind Kind, key common.Hash) []byte {
	out := make([]byte, 0, 1+common.HashLength)
	out = append(out, byte(kind))
	return append(out, key.Bytes()...)
}

// Ledger executes transactions against a KVStore one at a time. A transaction
// either commits all of its writes in a single batch or none of them.
type Ledger struct {
	mu  deadlock.Mutex
	db  KVStore
	log logrus.FieldLogger
}

// NewLedger wraps db.
func NewLedger(db KVStore, log logrus.FieldLogger) *Ledger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ledger{db: db, log: log}
}

// Execute runs fn inside a new transaction and commits its writes when fn
// returns nil. Any error discards every staged write.
func (l *Ledger) Execute(ctx context.Context, fn func(tx *Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx := newTxn(l.db)
	if err := fn(tx); err != nil {
		l.log.WithFields(logrus.Fields{"tx": tx.ID, "error": err}).Debug("transaction rejected")
		return err
	}
	if err := tx.commit(); err != nil {
		return fmt.Errorf("failed to commit transaction %s: %w", tx.ID, err)
	}
	l.log.WithFields(logrus.Fields{"tx": tx.ID, "writes": len(tx.order)}).Debug("transaction committed")
	return nil
}

// View runs fn against a transaction whose writes are always discarded.
func (l *Ledger) View(ctx context.Context, fn func(tx *Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return fn(newTxn(l.db))
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

// Txn stages writes over the committed state.
type Txn struct {
	ID     uuid.UUID
	db     KVStore
	writes map[string][]byte
	order  []string
}

func newTxn(db KVStore) *Txn {
	return &Txn{
		ID:     uuid.New(),
		db:     db,
		writes: make(map[string][]byte),
	}
}

// Get returns the value at key as seen by this transaction.
func (tx *Txn) Get(kind Kind, key common.Hash) ([]byte, error) {
	k := storeKey(kind, key)
	if v, ok := tx.writes[string(k)]; ok {
		return v, nil
	}
	return tx.db.Get(k)
}

// Exists reports whether key is allocated.
func (tx *Txn) Exists(kind Kind, key common.Hash) (bool, error) {
	_, err := tx.Get(kind, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create allocates key with value. It fails with ErrAlreadyInUse when key is
// already allocated, committed or staged.
func (tx *Txn) Create(kind Kind, key common.Hash, value []byte) error {
	exists, err := tx.Exists(kind, key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%s %s: %w", kind, key.Hex(), ErrAlreadyInUse)
	}
	tx.stage(storeKey(kind, key), value)
	return nil
}

// Update overwrites an allocated key. It fails with ErrNotFound otherwise.
func (tx *Txn) Update(kind Kind, key common.Hash, value []byte) error {
	exists, err := tx.Exists(kind, key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", kind, key.Hex(), ErrNotFound)
	}
	tx.stage(storeKey(kind, key), value)
	return nil
}

func (tx *Txn) stage(k, value []byte) {
	ks := string(k)
	if _, ok := tx.writes[ks]; !ok {
		tx.order = append(tx.order, ks)
	}
	v := make([]byte, len(value))
	copy(v, value)
	tx.writes[ks] = v
}

// Scan calls fn for every record of kind in key order, staged writes included.
func (tx *Txn) Scan(kind Kind, fn func(key common.Hash, value []byte) error) error {
	start := []byte{byte(kind)}
	end := []byte{byte(kind) + 1}

	type entry struct {
		key   []byte
		value []byte
	}
	var entries []entry
	seen := make(map[string]bool)

	iter, err := tx.db.NewIterator(start, end)
	if err != nil {
		return err
	}
	for ; iter.Valid(); iter.Next() {
		k := iter.Key()
		v := iter.Value()
		if staged, ok := tx.writes[string(k)]; ok {
			v = staged
		}
		seen[string(k)] = true
		entries = append(entries, entry{key: k, value: v})
	}
	if err := iter.Close(); err != nil {
		return err
	}

	for _, ks := range tx.order {
		if ks[0] != byte(kind) || seen[ks] {
			continue
		}
		entries = append(entries, entry{key: []byte(ks), value: tx.writes[ks]})
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].key, entries[j].key) < 0
	})

	for _, e := range entries {
		if err := fn(common.BytesToHash(e.key[1:]), e.value); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Txn) commit() error {
	if len(tx.order) == 0 {
		return nil
	}
	batch := tx.db.NewBatch()
	for _, ks := range tx.order {
		if err := batch.Set([]byte(ks), tx.writes[ks]); err != nil {
			batch.Cancel()
			return err
		}
	}
	return batch.Commit()
}
