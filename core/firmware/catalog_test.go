package firmware

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kabili207/fota-go/core/codec"
	"github.com/kabili207/fota-go/core/kvdb/memorydb"
)

func writeBinary(t *testing.T, dir, name string, data []byte, mtime time.Time) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func testImage(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7) ^ seed
	}
	return b
}

func TestDirCatalog_EmptyHasNoFirmware(t *testing.T) {
	c, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)

	_, err = c.Latest()
	assert.ErrorIs(t, err, ErrNoFirmware)
	assert.Empty(t, c.List())
}

func TestDirCatalog_LatestPolicies(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	writeBinary(t, dir, "fw_v2.0.0.bin", testImage(100, 1), base)
	writeBinary(t, dir, "fw_v1.5.0.bin", testImage(100, 2), base.Add(time.Hour))
	writeBinary(t, dir, "notes.txt", []byte("ignored"), base.Add(2*time.Hour))

	t.Run("mtime", func(t *testing.T) {
		c, err := Open(Config{Dir: dir, Policy: SelectByModTime})
		require.NoError(t, err)
		a, err := c.Latest()
		require.NoError(t, err)
		assert.Equal(t, "fw_v1.5.0.bin", a.Name, "most recently modified wins, even if older")
		assert.Len(t, c.List(), 2)
	})

	t.Run("semver", func(t *testing.T) {
		c, err := Open(Config{Dir: dir, Policy: SelectBySemver})
		require.NoError(t, err)
		a, err := c.Latest()
		require.NoError(t, err)
		assert.Equal(t, "fw_v2.0.0.bin", a.Name)
		assert.Equal(t, Version{2, 0, 0}, a.Version)
	})
}

func TestDirCatalog_ArtifactDigests(t *testing.T) {
	dir := t.TempDir()
	data := testImage(2000, 9)
	writeBinary(t, dir, "fw_v1.0.0.bin", data, time.Now())

	c, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	a, err := c.Get("fw_v1.0.0.bin")
	require.NoError(t, err)

	wantMD5, _ := codec.Digest(data, codec.HashMD5)
	wantSHA, _ := codec.Digest(data, codec.HashSHA256)
	assert.Equal(t, int64(2000), a.Size)
	assert.Equal(t, wantMD5, a.MD5)
	assert.Equal(t, wantSHA, a.SHA256)
	assert.Equal(t, filepath.Join(dir, objectsDir, wantSHA), a.StorageRef)
	assert.Equal(t, 4, a.TotalChunks(512))
}

func TestDirCatalog_Chunk(t *testing.T) {
	dir := t.TempDir()
	data := testImage(2000, 3)
	writeBinary(t, dir, "fw_v1.0.0.bin", data, time.Now())
	c, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	a, err := c.Latest()
	require.NoError(t, err)

	tests := []struct {
		offset   int64
		size     int
		wantSize int
	}{
		{0, 512, 512},
		{1536, 512, 464},
		{1999, 4096, 1},
	}
	for _, tt := range tests {
		got, err := c.Chunk(a, tt.offset, tt.size)
		require.NoError(t, err)
		require.Len(t, got, tt.wantSize)
		assert.Equal(t, data[tt.offset:tt.offset+int64(tt.wantSize)], got)
	}

	_, err = c.Chunk(a, 2000, 10)
	assert.ErrorIs(t, err, ErrInvalidOffset)
	_, err = c.Chunk(a, -1, 10)
	assert.ErrorIs(t, err, ErrInvalidOffset)
}

func TestDirCatalog_ChunkReadError(t *testing.T) {
	c, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)

	a := Artifact{Name: "gone.bin", Size: 10, StorageRef: filepath.Join(t.TempDir(), "missing")}
	_, err = c.Chunk(a, 0, 10)
	assert.ErrorIs(t, err, ErrRead)
}

func TestDirCatalog_SnapshotSurvivesReplacement(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(Config{Dir: dir})
	require.NoError(t, err)

	original := testImage(600, 1)
	a, err := c.Put("fw", Version{1, 0, 0}, bytes.NewReader(original))
	require.NoError(t, err)

	replacement := testImage(900, 2)
	b, err := c.Put("fw", Version{1, 0, 0}, bytes.NewReader(replacement))
	require.NoError(t, err)
	assert.Equal(t, a.Name, b.Name)
	assert.NotEqual(t, a.StorageRef, b.StorageRef)

	got, err := c.Chunk(a, 0, 600)
	require.NoError(t, err)
	assert.Equal(t, original, got, "earlier snapshot still reads its own bytes")
}

func TestDirCatalog_PutValidatesName(t *testing.T) {
	c, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)

	for _, name := range []string{"", "../evil", ".hidden", "a/b"} {
		_, err := c.Put(name, Version{1, 0, 0}, bytes.NewReader([]byte("x")))
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestDirCatalog_DeleteAndPrune(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(Config{Dir: dir})
	require.NoError(t, err)

	keep, err := c.Put("keep", Version{1, 0, 0}, bytes.NewReader(testImage(100, 1)))
	require.NoError(t, err)
	held, err := c.Put("held", Version{1, 0, 0}, bytes.NewReader(testImage(100, 2)))
	require.NoError(t, err)
	gone, err := c.Put("gone", Version{1, 0, 0}, bytes.NewReader(testImage(100, 3)))
	require.NoError(t, err)

	require.NoError(t, c.Delete(held.Name))
	require.NoError(t, c.Delete(gone.Name))
	assert.ErrorIs(t, c.Delete(gone.Name), ErrNotFound)
	_, err = c.Get(gone.Name)
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := c.Prune([]string{held.StorageRef})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.FileExists(t, keep.StorageRef)
	assert.FileExists(t, held.StorageRef)
	assert.NoFileExists(t, gone.StorageRef)
}

func TestDirCatalog_DigestIndexReused(t *testing.T) {
	dir := t.TempDir()
	writeBinary(t, dir, "fw_v1.0.0.bin", testImage(300, 4), time.Now())
	index := memorydb.New()

	c1, err := Open(Config{Dir: dir, Index: index})
	require.NoError(t, err)
	a1, err := c1.Latest()
	require.NoError(t, err)
	assert.Equal(t, 1, index.Len())

	c2, err := Open(Config{Dir: dir, Index: index})
	require.NoError(t, err)
	a2, err := c2.Latest()
	require.NoError(t, err)
	assert.Equal(t, a1.SHA256, a2.SHA256)
	assert.Equal(t, 1, index.Len())
}

func TestDirCatalog_RefreshIsRateLimited(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(Config{Dir: dir, RefreshInterval: time.Minute})
	require.NoError(t, err)
	now := time.Now()
	c.nowFn = func() time.Time { return now }
	require.NoError(t, c.Refresh())

	writeBinary(t, dir, "fw_v1.0.0.bin", testImage(10, 0), now)
	_, err = c.Latest()
	assert.ErrorIs(t, err, ErrNoFirmware, "rescan should wait for the interval")

	now = now.Add(time.Minute)
	_, err = c.Latest()
	assert.NoError(t, err)
}
