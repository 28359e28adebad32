// Package firmware resolves stored firmware binaries into artifacts and
// serves bounded reads from them.
//
// A DirCatalog watches a directory of <basename>_v<major>.<minor>.<patch>.bin
// files. Every binary is copied once into a content-addressed blob under
// .objects/<sha256>, and artifacts point at the blob rather than the
// catalog file, so replacing or deleting a catalog file never changes the
// bytes an in-flight transfer reads.
package firmware

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	rbt "github.com/emirpasic/gods/trees/redblacktree"
	lru "github.com/hashicorp/golang-lru"

	"github.com/kabili207/fota-go/core/codec"
	"github.com/kabili207/fota-go/core/kvdb"
	"github.com/kabili207/fota-go/core/kvdb/memorydb"
)

const (
	// DefaultCacheEntries is the default number of cached chunk reads.
	DefaultCacheEntries = 256

	// DefaultRefreshInterval is the minimum time between directory rescans
	// triggered by reads.
	DefaultRefreshInterval = 2 * time.Second

	objectsDir = ".objects"
)

var (
	ErrNoFirmware    = errors.New("no firmware available")
	ErrNotFound      = errors.New("firmware not found")
	ErrInvalidOffset = errors.New("offset outside artifact")
	ErrRead          = errors.New("reading artifact")
	ErrInvalidName   = errors.New("invalid firmware name")
)

var baseNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Catalog is the read side used by the protocol engine.
type Catalog interface {
	// Latest returns the artifact selected by the catalog's policy.
	Latest() (Artifact, error)
	// Chunk reads up to size bytes of a at offset.
	Chunk(a Artifact, offset int64, size int) ([]byte, error)
}

// Config configures a DirCatalog.
type Config struct {
	// Dir holds the firmware binaries. Created if missing.
	Dir string
	// Policy selects the latest artifact. Default: SelectByModTime.
	Policy Policy
	// Index caches computed digests across restarts. Default: in-memory.
	Index kvdb.Store
	// CacheEntries bounds the chunk read cache. Default: 256.
	CacheEntries int
	// RefreshInterval rate-limits rescans. Default: 2 seconds.
	RefreshInterval time.Duration
	// Logger for catalog events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

type chunkKey struct {
	ref    string
	offset int64
	size   int
}

// indexEntry is the persisted digest record for one catalog file state.
type indexEntry struct {
	MD5    string `json:"md5"`
	SHA256 string `json:"sha256"`
}

// DirCatalog is a directory-backed Catalog.
type DirCatalog struct {
	cfg   Config
	log   *slog.Logger
	cache *lru.Cache
	index kvdb.Store

	mu       sync.RWMutex
	tree     *rbt.Tree // Artifact -> Artifact, ordered by policy
	byName   map[string]Artifact
	lastScan time.Time

	scanMu sync.Mutex

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// Compile-time interface check.
var _ Catalog = (*DirCatalog)(nil)

// Open creates the catalog directory if needed and performs an initial scan.
func Open(cfg Config) (*DirCatalog, error) {
	if cfg.Dir == "" {
		return nil, errors.New("firmware directory is required")
	}
	if cfg.Policy == "" {
		cfg.Policy = SelectByModTime
	}
	if cfg.CacheEntries <= 0 {
		cfg.CacheEntries = DefaultCacheEntries
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Index == nil {
		cfg.Index = memorydb.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Join(cfg.Dir, objectsDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating firmware directory: %w", err)
	}

	cache, err := lru.New(cfg.CacheEntries)
	if err != nil {
		return nil, fmt.Errorf("creating chunk cache: %w", err)
	}

	c := &DirCatalog{
		cfg:    cfg,
		log:    logger.WithGroup("catalog"),
		cache:  cache,
		index:  cfg.Index,
		tree:   rbt.NewWith(cfg.Policy.comparator()),
		byName: make(map[string]Artifact),
		nowFn:  time.Now,
	}
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

// Dir returns the catalog directory.
func (c *DirCatalog) Dir() string { return c.cfg.Dir }

// Policy returns the selection policy in use.
func (c *DirCatalog) Policy() Policy { return c.cfg.Policy }

// Refresh rescans the directory, ingesting new or changed binaries.
func (c *DirCatalog) Refresh() error {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()

	entries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		return fmt.Errorf("listing firmware directory: %w", err)
	}

	tree := rbt.NewWith(c.cfg.Policy.comparator())
	byName := make(map[string]Artifact)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".bin") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // removed mid-scan
		}
		a, err := c.load(name, info)
		if err != nil {
			c.log.Warn("skipping firmware file", "name", name, "error", err)
			continue
		}
		tree.Put(a, a)
		byName[name] = a
	}

	c.mu.Lock()
	c.tree = tree
	c.byName = byName
	c.lastScan = c.nowFn()
	c.mu.Unlock()
	return nil
}

// load builds the artifact for one catalog file, hashing and snapshotting
// it only when the digest index has no entry for its current state.
func (c *DirCatalog) load(name string, info os.FileInfo) (Artifact, error) {
	_, version := ParseFileName(name)
	a := Artifact{
		Name:       name,
		Version:    version,
		Size:       info.Size(),
		ModifiedAt: info.ModTime(),
	}

	key := indexKey(name, info)
	if raw, err := c.index.Get(key); err == nil && raw != nil {
		var ent indexEntry
		if json.Unmarshal(raw, &ent) == nil {
			blob := c.blobPath(ent.SHA256)
			if st, err := os.Stat(blob); err == nil && st.Size() == a.Size {
				a.MD5, a.SHA256, a.StorageRef = ent.MD5, ent.SHA256, blob
				return a, nil
			}
		}
	}

	d, err := c.ingest(filepath.Join(c.cfg.Dir, name))
	if err != nil {
		return Artifact{}, err
	}
	if d.Size != a.Size {
		return Artifact{}, fmt.Errorf("file changed while reading (%d != %d bytes)", d.Size, a.Size)
	}
	a.MD5, a.SHA256, a.StorageRef = d.MD5, d.SHA256, c.blobPath(d.SHA256)

	raw, _ := json.Marshal(indexEntry{MD5: d.MD5, SHA256: d.SHA256})
	if err := c.index.Put(key, raw); err != nil {
		c.log.Warn("failed to record digest", "name", name, "error", err)
	}
	c.log.Debug("ingested firmware", "name", name, "version", version.String(), "size", a.Size, "sha256", a.SHA256)
	return a, nil
}

// ingest copies path into the object store while hashing it, and returns
// the digests. An existing blob with the same hash is reused.
func (c *DirCatalog) ingest(path string) (codec.FileDigests, error) {
	src, err := os.Open(path)
	if err != nil {
		return codec.FileDigests{}, err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Join(c.cfg.Dir, objectsDir), ".ingest-*")
	if err != nil {
		return codec.FileDigests{}, fmt.Errorf("creating blob: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	d, err := codec.DigestStream(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return codec.FileDigests{}, fmt.Errorf("copying %s: %w", filepath.Base(path), err)
	}

	blob := c.blobPath(d.SHA256)
	if _, err := os.Stat(blob); err == nil {
		return d, nil
	}
	if err := os.Chmod(tmpName, 0o444); err != nil {
		return codec.FileDigests{}, err
	}
	if err := os.Rename(tmpName, blob); err != nil {
		return codec.FileDigests{}, fmt.Errorf("storing blob: %w", err)
	}
	return d, nil
}

func (c *DirCatalog) blobPath(sha string) string {
	return filepath.Join(c.cfg.Dir, objectsDir, sha)
}

func indexKey(name string, info os.FileInfo) []byte {
	return []byte(name + "\x00" + strconv.FormatInt(info.Size(), 10) + "\x00" + strconv.FormatInt(info.ModTime().UnixNano(), 10))
}

func (c *DirCatalog) refreshIfStale() {
	c.mu.RLock()
	stale := c.nowFn().Sub(c.lastScan) >= c.cfg.RefreshInterval
	c.mu.RUnlock()
	if !stale {
		return
	}
	if err := c.Refresh(); err != nil {
		c.log.Warn("catalog refresh failed", "error", err)
	}
}

// Latest returns the artifact selected by the catalog's policy.
func (c *DirCatalog) Latest() (Artifact, error) {
	c.refreshIfStale()

	c.mu.RLock()
	defer c.mu.RUnlock()
	node := c.tree.Right()
	if node == nil {
		return Artifact{}, ErrNoFirmware
	}
	return node.Value.(Artifact), nil
}

// List returns all artifacts, oldest first by the catalog's policy.
func (c *DirCatalog) List() []Artifact {
	c.refreshIfStale()

	c.mu.RLock()
	defer c.mu.RUnlock()
	values := c.tree.Values()
	out := make([]Artifact, 0, len(values))
	for _, v := range values {
		out = append(out, v.(Artifact))
	}
	return out
}

// Get returns the artifact for a catalog file name.
func (c *DirCatalog) Get(name string) (Artifact, error) {
	c.refreshIfStale()

	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.byName[name]
	if !ok {
		return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return a, nil
}

// Put stores a new binary named after base and version, replacing any file
// of the same name, and returns its artifact.
func (c *DirCatalog) Put(base string, version Version, r io.Reader) (Artifact, error) {
	if !baseNameRe.MatchString(base) {
		return Artifact{}, fmt.Errorf("%w: %q", ErrInvalidName, base)
	}
	name := FileName(base, version)

	tmp, err := os.CreateTemp(c.cfg.Dir, ".upload-*")
	if err != nil {
		return Artifact{}, fmt.Errorf("creating upload file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	_, err = io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("writing upload: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(c.cfg.Dir, name)); err != nil {
		return Artifact{}, fmt.Errorf("installing %s: %w", name, err)
	}
	if err := c.Refresh(); err != nil {
		return Artifact{}, err
	}

	c.mu.RLock()
	a, ok := c.byName[name]
	c.mu.RUnlock()
	if !ok {
		return Artifact{}, fmt.Errorf("%w: %s after upload", ErrNotFound, name)
	}
	c.log.Info("firmware stored", "name", name, "version", version.String(), "size", a.Size)
	return a, nil
}

// Delete removes a catalog file. Its blob stays until Prune finds it
// unreferenced.
func (c *DirCatalog) Delete(name string) error {
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if err := os.Remove(filepath.Join(c.cfg.Dir, name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("deleting %s: %w", name, err)
	}
	c.log.Info("firmware deleted", "name", name)
	return c.Refresh()
}

// Chunk reads up to size bytes of a starting at offset. The returned slice
// may be shared with the cache and must not be modified.
func (c *DirCatalog) Chunk(a Artifact, offset int64, size int) ([]byte, error) {
	if offset < 0 || offset >= a.Size {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidOffset, offset, a.Size)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidOffset, size)
	}
	if rem := a.Size - offset; int64(size) > rem {
		size = int(rem)
	}

	key := chunkKey{ref: a.StorageRef, offset: offset, size: size}
	if v, ok := c.cache.Get(key); ok {
		return v.([]byte), nil
	}

	f, err := os.Open(a.StorageRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	defer f.Close()

	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	c.cache.Add(key, buf)
	return buf, nil
}

// Prune removes blobs referenced neither by a catalog file nor by inUse
// (storage refs held by live sessions). It returns how many were removed.
func (c *DirCatalog) Prune(inUse []string) (int, error) {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()

	keep := make(map[string]bool, len(inUse))
	for _, ref := range inUse {
		keep[filepath.Clean(ref)] = true
	}
	c.mu.RLock()
	for _, a := range c.byName {
		keep[filepath.Clean(a.StorageRef)] = true
	}
	c.mu.RUnlock()

	dir := filepath.Join(c.cfg.Dir, objectsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("listing objects: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if keep[path] {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.log.Warn("failed to prune blob", "blob", e.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		c.log.Info("pruned firmware blobs", "count", removed)
	}
	return removed, nil
}
