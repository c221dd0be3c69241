package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/cockroachdb/pebble/vfs"
)

// KVStore is the byte-level store the ledger commits into.
type KVStore interface {
	// Get returns ErrNotFound when key is absent.
	Get(key []byte) ([]byte, error)
	NewBatch() BatchWriter
	// NewIterator scans [start, end) in key order.
	NewIterator(start, end []byte) (Iterator, error)
	Close() error
}

// BatchWriter applies a set of writes atomically on Commit.
type BatchWriter interface {
	Set(key, value []byte) error
	Commit() error
	Cancel()
}

// Iterator walks a key range.
type Iterator interface {
	Valid() bool
	Next()
	Key() []byte
	Value() []byte
	Close() error
}

// PebbleStore implements KVStore on top of pebble.
type PebbleStore struct {
	db *pebble.DB
	wo *pebble.WriteOptions
}

// NewPebbleStore opens a pebble database in dir. With inMem set nothing touches
// the filesystem and dir only names the in-memory instance.
func NewPebbleStore(dir string, inMem bool) (*PebbleStore, error) {
	cache := pebble.NewCache(64 << 20)
	defer cache.Unref()

	opts := &pebble.Options{
		Cache:                       cache,
		L0CompactionThreshold:       2,
		L0StopWritesThreshold:       1000,
		LBaseMaxBytes:               64 << 20,
		Levels:                      make([]pebble.LevelOptions, 7),
		MaxConcurrentCompactions:    func() int { return 2 },
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 4,
	}
	for i := 0; i < len(opts.Levels); i++ {
		l := &opts.Levels[i]
		l.BlockSize = 32 << 10
		l.IndexBlockSize = 256 << 10
		l.FilterPolicy = bloom.FilterPolicy(10)
		l.FilterType = pebble.TableFilter
		if i > 0 {
			l.TargetFileSize = opts.Levels[i-1].TargetFileSize * 2
		}
		l.EnsureDefaults()
	}
	if inMem {
		opts.FS = vfs.NewMem()
	}

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger store %s: %w", dir, err)
	}
	return &PebbleStore{db: db, wo: pebble.Sync}, nil
}

// Get returns a copy of the value stored at key.
func (s *PebbleStore) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	ret := make([]byte, len(value))
	copy(ret, value)
	return ret, nil
}

// NewBatch creates a batch writer.
func (s *PebbleStore) NewBatch() BatchWriter {
	return &pebbleBatch{b: s.db.NewBatch(), wo: s.wo}
}

// NewIterator scans [start, end).
func (s *PebbleStore) NewIterator(start, end []byte) (Iterator, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: end,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	iter.First()
	return &pebbleIterator{iter: iter}, nil
}

// Close closes the database.
func (s *PebbleStore) Close() error { return s.db.Close() }

type pebbleBatch struct {
	b  *pebble.Batch
	wo *pebble.WriteOptions
}

func (b *pebbleBatch) Set(key, value []byte) error { return b.b.Set(key, value, nil) }
func (b *pebbleBatch) Cancel()                     { b.b.Close() }

func (b *pebbleBatch) Commit() error {
	defer b.b.Close()
	return b.b.Commit(b.wo)
}

type pebbleIterator struct {
	iter *pebble.Iterator
}

func (i *pebbleIterator) Valid() bool  { return i.iter.Valid() }
func (i *pebbleIterator) Next()        { i.iter.Next() }
func (i *pebbleIterator) Close() error { return i.iter.Close() }

func (i *pebbleIterator) Key() []byte {
	k := i.iter.Key()
	ret := make([]byte, len(k))
	copy(ret, k)
	return ret
}

func (i *pebbleIterator) Value() []byte {
	v := i.iter.Value()
	ret := make([]byte, len(v))
	copy(ret, v)
	return ret
}
