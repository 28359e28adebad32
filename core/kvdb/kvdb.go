// Package kvdb defines the small key/value storage surface used to persist
// artifact digests and transfer sessions, independent of the backend.
package kvdb

import (
	"errors"
	"io"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
	// ErrUnsupportedOp is returned by wrappers that cannot perform an operation.
	ErrUnsupportedOp = errors.New("operation not supported")
)

// Reader wraps the Has and Get methods of a backing data store. Get returns
// a nil value and nil error for a missing key.
type Reader interface {
	Has(key []byte) (bool, error)
	Get(key []byte) ([]byte, error)
}

// Writer wraps the Put and Delete methods of a backing data store.
type Writer interface {
	Put(key []byte, value []byte) error
	Delete(key []byte) error
}

// Iterator iterates over key/value pairs in ascending key order. Key and
// Value are only valid until the next call to Next.
type Iterator interface {
	Next() bool
	Error() error
	Key() []byte
	Value() []byte
	Release()
}

// Iteratee wraps the NewIterator method of a backing data store.
type Iteratee interface {
	// NewIterator creates a binary-alphabetical iterator over the keys with
	// the given prefix, starting at start (relative to the prefix).
	NewIterator(prefix []byte, start []byte) Iterator
}

// Store contains all the methods required of a backend.
type Store interface {
	Reader
	Writer
	Iteratee
	io.Closer
}

// ForEach calls fn for every pair under prefix, stopping at the first error.
// The slices passed to fn must not be retained.
func ForEach(s Iteratee, prefix []byte, fn func(key, value []byte) error) error {
	it := s.NewIterator(prefix, nil)
	defer it.Release()
	for it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

// BytesPrefixLimit returns the smallest key greater than every key with the
// given prefix, or nil if there is none.
func BytesPrefixLimit(prefix []byte) []byte {
	for i := len(prefix) - 1; i >= 0; i-- {
		c := prefix[i]
		if c < 0xff {
			limit := make([]byte, i+1)
			copy(limit, prefix)
			limit[i] = c + 1
			return limit
		}
	}
	return nil
}
