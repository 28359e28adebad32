// Package table namespaces a kvdb.Store under a fixed key prefix.
package table

import (
	"github.com/kabili207/fota-go/core/kvdb"
)

// Table wraps the underlying DB so all of the table's data is stored with
// a prefix.
type Table struct {
	prefix     []byte
	underlying kvdb.Store
}

func prefixed(key, prefix []byte) []byte {
	prefixedKey := make([]byte, 0, len(prefix)+len(key))
	prefixedKey = append(prefixedKey, prefix...)
	prefixedKey = append(prefixedKey, key...)
	return prefixedKey
}

func noPrefix(key, prefix []byte) []byte {
	if len(key) < len(prefix) {
		return key
	}
	return key[len(prefix):]
}

// New returns a table over db. Keys written through it are stored as
// prefix+key.
func New(db kvdb.Store, prefix []byte) *Table {
	return &Table{prefix: prefix, underlying: db}
}

// NewTable nests another prefix inside this one.
func (t *Table) NewTable(prefix []byte) *Table {
	return New(t, prefix)
}

// Close is not supported; close the underlying store instead.
func (t *Table) Close() error {
	return kvdb.ErrUnsupportedOp
}

func (t *Table) Has(key []byte) (bool, error) {
	return t.underlying.Has(prefixed(key, t.prefix))
}

func (t *Table) Get(key []byte) ([]byte, error) {
	return t.underlying.Get(prefixed(key, t.prefix))
}

func (t *Table) Put(key []byte, value []byte) error {
	return t.underlying.Put(prefixed(key, t.prefix), value)
}

func (t *Table) Delete(key []byte) error {
	return t.underlying.Delete(prefixed(key, t.prefix))
}

func (t *Table) NewIterator(itPrefix []byte, start []byte) kvdb.Iterator {
	return &iterator{t.underlying.NewIterator(prefixed(itPrefix, t.prefix), start), t.prefix}
}

type iterator struct {
	kvdb.Iterator
	prefix []byte
}

func (it *iterator) Key() []byte {
	return noPrefix(it.Iterator.Key(), it.prefix)
}
