// Package memorydb implements the key-value database layer on an ordered
// in-memory tree. It is used by tests and when persistence is disabled.
package memorydb

import (
	"bytes"
	"sync"

	rbt "github.com/emirpasic/gods/trees/redblacktree"

	"github.com/kabili207/fota-go/core/kvdb"
)

// Database is an ephemeral key-value store.
type Database struct {
	lock   sync.RWMutex
	tree   *rbt.Tree // string(key) -> []byte
	closed bool
}

// New returns an empty in-memory store.
func New() *Database {
	return &Database{tree: rbt.NewWithStringComparator()}
}

// Close marks the store closed; later operations fail with kvdb.ErrClosed.
func (db *Database) Close() error {
	db.lock.Lock()
	defer db.lock.Unlock()
	db.closed = true
	db.tree.Clear()
	return nil
}

// Has retrieves if a key is present in the key-value store.
func (db *Database) Has(key []byte) (bool, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()
	if db.closed {
		return false, kvdb.ErrClosed
	}
	_, ok := db.tree.Get(string(key))
	return ok, nil
}

// Get retrieves the given key if it's present in the key-value store.
func (db *Database) Get(key []byte) ([]byte, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()
	if db.closed {
		return nil, kvdb.ErrClosed
	}
	v, ok := db.tree.Get(string(key))
	if !ok {
		return nil, nil
	}
	return append([]byte{}, v.([]byte)...), nil
}

// Put inserts the given value into the key-value store.
func (db *Database) Put(key []byte, value []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.closed {
		return kvdb.ErrClosed
	}
	db.tree.Put(string(key), append([]byte{}, value...))
	return nil
}

// Delete removes the key from the key-value store.
func (db *Database) Delete(key []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.closed {
		return kvdb.ErrClosed
	}
	db.tree.Remove(string(key))
	return nil
}

// Len returns the number of stored pairs.
func (db *Database) Len() int {
	db.lock.RLock()
	defer db.lock.RUnlock()
	return db.tree.Size()
}

// NewIterator creates an iterator over a snapshot of the pairs with the
// given prefix, starting at prefix+start.
func (db *Database) NewIterator(prefix []byte, start []byte) kvdb.Iterator {
	db.lock.RLock()
	defer db.lock.RUnlock()

	it := &iterator{index: -1}
	if db.closed {
		it.err = kvdb.ErrClosed
		return it
	}

	from := append(append([]byte{}, prefix...), start...)
	node, ok := db.tree.Ceiling(string(from))
	for ok {
		key := []byte(node.Key.(string))
		if !bytes.HasPrefix(key, prefix) {
			break
		}
		it.keys = append(it.keys, key)
		it.values = append(it.values, append([]byte{}, node.Value.([]byte)...))
		node, ok = nextNode(db.tree, node)
	}
	return it
}

// nextNode returns the smallest node which is > than the specified node.
func nextNode(tree *rbt.Tree, node *rbt.Node) (next *rbt.Node, ok bool) {
	origin := node
	if node.Right != nil {
		node = node.Right
		for node.Left != nil {
			node = node.Left
		}
		return node, true
	}
	for node.Parent != nil {
		node = node.Parent
		if tree.Comparator(origin.Key, node.Key) <= 0 {
			return node, true
		}
	}
	return nil, false
}

type iterator struct {
	keys   [][]byte
	values [][]byte
	index  int
	err    error
}

func (it *iterator) Next() bool {
	if it.err != nil || it.index+1 >= len(it.keys) {
		it.index = len(it.keys)
		return false
	}
	it.index++
	return true
}

func (it *iterator) Error() error { return it.err }

func (it *iterator) Key() []byte {
	if it.index < 0 || it.index >= len(it.keys) {
		return nil
	}
	return it.keys[it.index]
}

func (it *iterator) Value() []byte {
	if it.index < 0 || it.index >= len(it.values) {
		return nil
	}
	return it.values[it.index]
}

func (it *iterator) Release() {
	it.keys, it.values = nil, nil
}
