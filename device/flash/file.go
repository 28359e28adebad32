package flash

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/kabili207/fota-go/core/codec"
)

const (
	activeName  = "active.bin"
	stagingName = "staging.bin"
)

// FileFlash simulates an A/B flash layout in a directory: the running
// image lives in active.bin and updates are staged in staging.bin.
type FileFlash struct {
	dir      string
	capacity int64
	log      *slog.Logger

	mu       sync.Mutex
	staging  *os.File
	size     int64
	written  int64
	finished bool
	hasher   *codec.Hasher
	want     string
}

// NewFileFlash creates a simulator in dir. capacity bounds the staged
// image size; zero means unbounded.
func NewFileFlash(dir string, capacity int64, logger *slog.Logger) (*FileFlash, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating flash dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	// Leftovers of an interrupted update are never booted.
	_ = os.Remove(filepath.Join(dir, stagingName))
	return &FileFlash{dir: dir, capacity: capacity, log: logger.WithGroup("flash")}, nil
}

// ActivePath returns the path of the running image.
func (f *FileFlash) ActivePath() string { return filepath.Join(f.dir, activeName) }

// Active returns the running image, or nil if none was ever committed.
func (f *FileFlash) Active() ([]byte, error) {
	b, err := os.ReadFile(f.ActivePath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	return b, err
}

// Staged reports how many bytes the current staged image holds.
func (f *FileFlash) Staged() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written
}

func (f *FileFlash) Begin(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.staging != nil {
		return ErrInProgress
	}
	if size <= 0 || (f.capacity > 0 && size > f.capacity) {
		return fmt.Errorf("%w: %d bytes, capacity %d", ErrNoSpace, size, f.capacity)
	}
	fh, err := os.Create(filepath.Join(f.dir, stagingName))
	if err != nil {
		return fmt.Errorf("opening staging area: %w", err)
	}
	f.staging, f.size, f.written, f.finished = fh, size, 0, false
	f.hasher, f.want = nil, ""
	f.log.Debug("staging started", "size", size)
	return nil
}

func (f *FileFlash) SetExpectedDigest(kind codec.HashKind, hex string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.staging == nil || f.finished {
		return ErrNotStarted
	}
	if f.written > 0 {
		return ErrDigestLate
	}
	h, err := codec.NewHasher(kind)
	if err != nil {
		return err
	}
	f.hasher, f.want = h, hex
	return nil
}

func (f *FileFlash) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.staging == nil || f.finished {
		return 0, ErrNotStarted
	}
	if f.written+int64(len(p)) > f.size {
		return 0, fmt.Errorf("%w: %d+%d > %d", ErrOverflow, f.written, len(p), f.size)
	}
	n, err := f.staging.Write(p)
	f.written += int64(n)
	if f.hasher != nil {
		_, _ = f.hasher.Write(p[:n])
	}
	return n, err
}

func (f *FileFlash) Finish() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.staging == nil {
		return ErrNotStarted
	}
	if f.written != f.size {
		return fmt.Errorf("%w: wrote %d of %d", ErrSizeMismatch, f.written, f.size)
	}
	if f.hasher != nil {
		if got := f.hasher.Sum(); !codec.EqualDigest(got, f.want) {
			return fmt.Errorf("%w: %s %s, expected %s", ErrDigest, f.hasher.Kind(), got, f.want)
		}
	}
	if err := f.staging.Sync(); err != nil {
		return fmt.Errorf("syncing staging area: %w", err)
	}
	f.finished = true
	return nil
}

func (f *FileFlash) Commit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.staging == nil {
		return ErrNotStarted
	}
	if !f.finished {
		return ErrNotFinished
	}
	if err := f.staging.Close(); err != nil {
		return err
	}
	f.staging = nil
	if err := os.Rename(filepath.Join(f.dir, stagingName), f.ActivePath()); err != nil {
		return fmt.Errorf("activating image: %w", err)
	}
	f.log.Info("image committed", "size", f.size)
	return nil
}

func (f *FileFlash) Abort() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.staging == nil {
		return nil
	}
	f.staging.Close()
	f.staging = nil
	f.log.Info("staged image discarded", "written", f.written, "size", f.size)
	f.written, f.finished = 0, false
	f.hasher, f.want = nil, ""
	if err := os.Remove(filepath.Join(f.dir, stagingName)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

var _ io.Writer = (*FileFlash)(nil)
