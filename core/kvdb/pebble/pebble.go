// Package pebble implements the key-value database layer based on Pebble.
package pebble

import (
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/kabili207/fota-go/core/kvdb"
)

// Database is a persistent key-value store.
type Database struct {
	filename   string
	underlying *pebble.DB

	quitLock sync.Mutex
}

// New opens (or creates) a Pebble database at path. cache is the block
// cache size in bytes; zero keeps Pebble's default.
func New(path string, cache int, handles int) (*Database, error) {
	opts := &pebble.Options{
		MaxOpenFiles: handles,
	}
	if cache > 0 {
		ref := pebble.NewCache(int64(cache * 2 / 3))
		defer ref.Unref()
		opts.Cache = ref
		opts.MemTableSize = cache / 3
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening pebble at %s", path)
	}
	return &Database{filename: path, underlying: db}, nil
}

// Close flushes any pending data to disk and closes the database.
func (db *Database) Close() error {
	db.quitLock.Lock()
	defer db.quitLock.Unlock()

	if db.underlying == nil {
		return kvdb.ErrClosed
	}
	pdb := db.underlying
	db.underlying = nil
	return errors.Wrap(pdb.Close(), "closing pebble")
}

// Has retrieves if a key is present in the key-value store.
func (db *Database) Has(key []byte) (bool, error) {
	_, closer, err := db.underlying.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "pebble has")
	}
	return true, closer.Close()
}

// Get retrieves the given key if it's present in the key-value store.
func (db *Database) Get(key []byte) ([]byte, error) {
	value, closer, err := db.underlying.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "pebble get")
	}
	clonedValue := append([]byte{}, value...)
	return clonedValue, closer.Close()
}

// Put inserts the given value into the key-value store. Session snapshots
// are rewritten often, so writes are synced to the WAL.
func (db *Database) Put(key []byte, value []byte) error {
	return errors.Wrap(db.underlying.Set(key, value, pebble.Sync), "pebble put")
}

// Delete removes the key from the key-value store.
func (db *Database) Delete(key []byte) error {
	return errors.Wrap(db.underlying.Delete(key, pebble.Sync), "pebble delete")
}

// NewIterator creates a binary-alphabetical iterator over a subset
// of database content with a particular key prefix, starting at a particular
// initial key (or after, if it does not exist).
func (db *Database) NewIterator(prefix []byte, start []byte) kvdb.Iterator {
	return &iterator{Iterator: db.underlying.NewIter(bytesPrefixRange(prefix, start))}
}

// Path returns the path to the database directory.
func (db *Database) Path() string {
	return db.filename
}

type iterator struct {
	*pebble.Iterator
	isStarted bool
	isClosed  bool
}

func (it *iterator) Next() bool {
	if it.isStarted {
		return it.Iterator.Next()
	}
	// pebble needs First() instead of the first Next()
	it.isStarted = true
	return it.Iterator.First()
}

func (it *iterator) Release() {
	if it.isClosed {
		return
	}
	_ = it.Iterator.Close() // must not be called multiple times
	it.isClosed = true
}

func bytesPrefixRange(prefix, start []byte) *pebble.IterOptions {
	if prefix == nil && start == nil {
		return nil
	}
	r := &pebble.IterOptions{
		LowerBound: append(append([]byte{}, prefix...), start...),
		UpperBound: kvdb.BytesPrefixLimit(prefix),
	}
	return r
}
