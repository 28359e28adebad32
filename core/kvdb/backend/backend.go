// Package backend opens a kvdb.Store by backend name.
package backend

import (
	"fmt"
	"os"
	"strings"

	"github.com/kabili207/fota-go/core/kvdb"
	"github.com/kabili207/fota-go/core/kvdb/leveldb"
	"github.com/kabili207/fota-go/core/kvdb/memorydb"
	"github.com/kabili207/fota-go/core/kvdb/pebble"
)

// Kind names a storage backend.
type Kind string

const (
	Memory  Kind = "memory"
	LevelDB Kind = "leveldb"
	Pebble  Kind = "pebble"
)

// Kinds lists the accepted backend names.
var Kinds = []Kind{Memory, LevelDB, Pebble}

// Open opens the named backend. path is ignored for the memory backend and
// created if missing for the others.
func Open(kind Kind, path string) (kvdb.Store, error) {
	switch Kind(strings.ToLower(string(kind))) {
	case Memory, "":
		return memorydb.New(), nil
	case LevelDB:
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating leveldb dir: %w", err)
		}
		db, err := leveldb.New(path, 0, 0)
		if err != nil {
			return nil, err
		}
		return db, nil
	case Pebble:
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating pebble dir: %w", err)
		}
		db, err := pebble.New(path, 0, 0)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", kind)
	}
}
