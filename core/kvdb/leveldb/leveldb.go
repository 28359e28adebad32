// Package leveldb implements the key-value database layer based on LevelDB.
package leveldb

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/kabili207/fota-go/core/kvdb"
)

const (
	// minHandles is the minimum number of files handles to allocate to the open
	// database files.
	minHandles = 16

	defaultCache = 8 * opt.MiB
)

// Database is a persistent key-value store.
type Database struct {
	filename   string
	underlying *leveldb.DB

	quitLock sync.Mutex
}

// New opens (or creates) a LevelDB database at path, recovering it if the
// manifest is corrupted.
func New(path string, cache int, handles int) (*Database, error) {
	if handles < minHandles {
		handles = minHandles
	}
	if cache <= 0 {
		cache = defaultCache
	}

	db, err := leveldb.OpenFile(path, &opt.Options{
		OpenFilesCacheCapacity: handles,
		BlockCacheCapacity:     cache / 2,
		WriteBuffer:            cache / 4,
		Filter:                 filter.NewBloomFilter(10),
	})
	if _, corrupted := err.(*lerrors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening leveldb at %s", path)
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
	ldb := db.underlying
	db.underlying = nil
	return errors.Wrap(ldb.Close(), "closing leveldb")
}

// Has retrieves if a key is present in the key-value store.
func (db *Database) Has(key []byte) (bool, error) {
	ok, err := db.underlying.Has(key, nil)
	if err == leveldb.ErrNotFound {
		return false, nil
	}
	return ok, errors.Wrap(err, "leveldb has")
}

// Get retrieves the given key if it's present in the key-value store.
func (db *Database) Get(key []byte) ([]byte, error) {
	dat, err := db.underlying.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "leveldb get")
	}
	return dat, nil
}

// Put inserts the given value into the key-value store.
func (db *Database) Put(key []byte, value []byte) error {
	return errors.Wrap(db.underlying.Put(key, value, nil), "leveldb put")
}

// Delete removes the key from the key-value store.
func (db *Database) Delete(key []byte) error {
	return errors.Wrap(db.underlying.Delete(key, nil), "leveldb delete")
}

// NewIterator creates a binary-alphabetical iterator over a subset
// of database content with a particular key prefix, starting at a particular
// initial key (or after, if it does not exist).
func (db *Database) NewIterator(prefix []byte, start []byte) kvdb.Iterator {
	return db.underlying.NewIterator(bytesPrefixRange(prefix, start), nil)
}

// Path returns the path to the database directory.
func (db *Database) Path() string {
	return db.filename
}

// bytesPrefixRange returns key range that satisfy
// - the given prefix, and
// - the given seek position
func bytesPrefixRange(prefix, start []byte) *util.Range {
	r := util.BytesPrefix(prefix)
	r.Start = append(append([]byte{}, r.Start...), start...)
	return r
}
