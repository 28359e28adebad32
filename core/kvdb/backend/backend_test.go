package backend

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kabili207/fota-go/core/kvdb"
	"github.com/kabili207/fota-go/core/kvdb/table"
)

func forEachBackend(t *testing.T, fn func(t *testing.T, db kvdb.Store)) {
	for _, kind := range Kinds {
		t.Run(string(kind), func(t *testing.T) {
			db, err := Open(kind, filepath.Join(t.TempDir(), "db"))
			require.NoError(t, err)
			defer db.Close()
			fn(t, db)
		})
	}
}

func TestStore_GetPutDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db kvdb.Store) {
		v, err := db.Get([]byte("missing"))
		require.NoError(t, err)
		assert.Nil(t, v)

		ok, err := db.Has([]byte("missing"))
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, db.Put([]byte("k"), []byte("v1")))
		require.NoError(t, db.Put([]byte("k"), []byte("v2")))

		v, err = db.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), v)

		ok, err = db.Has([]byte("k"))
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, db.Delete([]byte("k")))
		v, err = db.Get([]byte("k"))
		require.NoError(t, err)
		assert.Nil(t, v)
	})
}

func TestStore_PrefixIteration(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db kvdb.Store) {
		for i := 0; i < 5; i++ {
			require.NoError(t, db.Put([]byte(fmt.Sprintf("a/%d", i)), []byte{byte(i)}))
		}
		require.NoError(t, db.Put([]byte("b/0"), []byte{9}))
		require.NoError(t, db.Put([]byte("a"), []byte{8}))

		var keys []string
		err := kvdb.ForEach(db, []byte("a/"), func(k, v []byte) error {
			keys = append(keys, string(k))
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a/0", "a/1", "a/2", "a/3", "a/4"}, keys)

		it := db.NewIterator([]byte("a/"), []byte("3"))
		defer it.Release()
		var tail []string
		for it.Next() {
			tail = append(tail, string(it.Key()))
		}
		require.NoError(t, it.Error())
		assert.Equal(t, []string{"a/3", "a/4"}, tail)
	})
}

func TestStore_Table(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db kvdb.Store) {
		sessions := table.New(db, []byte("s/"))
		digests := table.New(db, []byte("d/"))

		require.NoError(t, sessions.Put([]byte("x"), []byte("session")))
		require.NoError(t, digests.Put([]byte("x"), []byte("digest")))

		v, err := sessions.Get([]byte("x"))
		require.NoError(t, err)
		assert.Equal(t, []byte("session"), v)

		raw, err := db.Get([]byte("d/x"))
		require.NoError(t, err)
		assert.Equal(t, []byte("digest"), raw)

		var keys []string
		require.NoError(t, kvdb.ForEach(sessions, nil, func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		}))
		assert.Equal(t, []string{"x"}, keys, "table keys are returned without the prefix")
	})
}

func TestOpen_Unknown(t *testing.T) {
	_, err := Open("bolt", t.TempDir())
	assert.Error(t, err)
}
