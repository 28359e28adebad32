// Package dedupe remembers recently seen messages so repeated deliveries
// can be dropped.
//
// Messages are identified by an 8-byte truncated SHA256 of their content
// and kept in a fixed-size circular buffer, so the oldest entries are
// forgotten first.
package dedupe

import (
	"bytes"
	"crypto/sha256"
	"sync"
)

const (
	// DefaultCapacity is the default number of remembered messages.
	DefaultCapacity = 32
	// HashSize is the truncated SHA256 hash size.
	HashSize = 8
)

// Filter tracks recently seen messages. It is safe for concurrent use.
type Filter struct {
	mu     sync.Mutex
	hashes []byte // circular buffer of HashSize-byte hashes
	used   int
	max    int
	next   int
}

// New creates a Filter with the default capacity.
func New() *Filter {
	return NewWithCapacity(DefaultCapacity)
}

// NewWithCapacity creates a Filter remembering up to n messages.
func NewWithCapacity(n int) *Filter {
	if n < 1 {
		n = 1
	}
	return &Filter{
		hashes: make([]byte, n*HashSize),
		max:    n,
	}
}

// HasSeen reports whether msg was seen before. If not, it records msg and
// returns false.
func (f *Filter) HasSeen(msg []byte) bool {
	hash := Hash(msg)

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.used {
		offset := i * HashSize
		if bytes.Equal(hash[:], f.hashes[offset:offset+HashSize]) {
			return true
		}
	}

	offset := f.next * HashSize
	copy(f.hashes[offset:offset+HashSize], hash[:])
	f.next = (f.next + 1) % f.max
	if f.used < f.max {
		f.used++
	}
	return false
}

// Clear forgets all previously seen messages.
func (f *Filter) Clear() {
	f.mu.Lock()
	clear(f.hashes)
	f.used = 0
	f.next = 0
	f.mu.Unlock()
}

// Hash computes the 8-byte deduplication hash of msg.
func Hash(msg []byte) [HashSize]byte {
	sum := sha256.Sum256(msg)
	var result [HashSize]byte
	copy(result[:], sum[:HashSize])
	return result
}
