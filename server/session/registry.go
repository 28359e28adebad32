// Package session tracks per-device firmware transfer sessions.
//
// The Registry owns every live session behind a single mutex. Sessions are
// created or resumed by check requests, advanced by downloads, completed by
// verification and evicted by a periodic sweep once completed, interrupted
// for too long, or older than an absolute limit. Interrupted sessions are
// kept so a reconnecting device can continue where it stopped.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kabili207/fota-go/core/firmware"
	"github.com/kabili207/fota-go/core/kvdb"
	"github.com/kabili207/fota-go/core/kvdb/table"
)

const (
	// DefaultMinChunk is the smallest chunk size a session may use.
	DefaultMinChunk = 128
	// DefaultMaxChunk is the largest chunk size a session may use.
	DefaultMaxChunk = 4096
	// DefaultChunk is the chunk size of a new session.
	DefaultChunk = 1024

	// DefaultInterruptedTimeout is how long an interrupted session waits
	// for its device to come back.
	DefaultInterruptedTimeout = 10 * time.Minute
	// DefaultAbsoluteTimeout bounds a session's total lifetime.
	DefaultAbsoluteTimeout = 2 * time.Hour
	// DefaultSweepInterval is the period of the eviction sweep.
	DefaultSweepInterval = 30 * time.Second
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrCompleted = errors.New("session already completed")
)

var sessionPrefix = []byte("s/")

// Config configures a Registry.
type Config struct {
	// MinChunk and MaxChunk bound every session's chunk size.
	// Defaults: 128 and 4096.
	MinChunk int
	MaxChunk int
	// DefaultChunk is the initial chunk size. Default: 1024.
	DefaultChunk int

	// InterruptedTimeout evicts sessions interrupted for longer than this.
	// Default: 10 minutes.
	InterruptedTimeout time.Duration
	// AbsoluteTimeout evicts sessions started longer ago than this,
	// whatever their state. Default: 2 hours.
	AbsoluteTimeout time.Duration
	// SweepInterval is the period of the background sweep. Default: 30s.
	SweepInterval time.Duration

	// Store persists session snapshots so they survive a restart. Optional.
	Store kvdb.Store

	// Logger for session events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Registry owns all live sessions.
type Registry struct {
	cfg      Config
	log      *slog.Logger
	store    kvdb.Store
	mu       sync.Mutex
	sessions map[string]*Session
	onEvict  func(s Session)
	onSweep  func(evicted []Session)
	released bool // a session was removed since the last sweep
	cancel   context.CancelFunc

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
	// newID allows overriding session ID generation for testing.
	newID func() string
}

// NewRegistry creates a registry with the given configuration.
func NewRegistry(cfg Config) *Registry {
	if cfg.MinChunk <= 0 {
		cfg.MinChunk = DefaultMinChunk
	}
	if cfg.MaxChunk <= 0 {
		cfg.MaxChunk = DefaultMaxChunk
	}
	if cfg.MaxChunk < cfg.MinChunk {
		cfg.MaxChunk = cfg.MinChunk
	}
	if cfg.DefaultChunk <= 0 {
		cfg.DefaultChunk = DefaultChunk
	}
	cfg.DefaultChunk = clamp(cfg.DefaultChunk, cfg.MinChunk, cfg.MaxChunk)
	if cfg.InterruptedTimeout <= 0 {
		cfg.InterruptedTimeout = DefaultInterruptedTimeout
	}
	if cfg.AbsoluteTimeout <= 0 {
		cfg.AbsoluteTimeout = DefaultAbsoluteTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		cfg:      cfg,
		log:      logger.WithGroup("session"),
		sessions: make(map[string]*Session),
		nowFn:    time.Now,
		newID:    uuid.NewString,
	}
	if cfg.Store != nil {
		r.store = table.New(cfg.Store, sessionPrefix)
	}
	return r
}

// ChunkBounds returns the configured minimum and maximum chunk sizes.
func (r *Registry) ChunkBounds() (lo, hi int) {
	return r.cfg.MinChunk, r.cfg.MaxChunk
}

// DefaultChunkSize returns the chunk size given to new sessions.
func (r *Registry) DefaultChunkSize() int {
	return r.cfg.DefaultChunk
}

// SetOnEvict sets the callback invoked for each session removed by Sweep.
func (r *Registry) SetOnEvict(fn func(s Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = fn
}

// SetOnSweep sets the callback invoked once at the end of a sweep pass when
// any session was evicted, or superseded by CreateOrResume, since the
// previous pass. It runs after the per-session OnEvict callbacks.
func (r *Registry) SetOnSweep(fn func(evicted []Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSweep = fn
}

// FindResumable returns the non-completed session of device for version.
func (r *Registry) FindResumable(device string, version firmware.Version) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.findResumableLocked(device, version); s != nil {
		return *s, true
	}
	return Session{}, false
}

func (r *Registry) findResumableLocked(device string, version firmware.Version) *Session {
	for _, s := range r.sessions {
		if s.DeviceID == device && s.Firmware.Version == version && s.Resumable() {
			return s
		}
	}
	return nil
}

// CreateOrResume returns the device's resumable session for the artifact's
// version, bound to owner and active again, or creates a new one. Open
// sessions of the device for any other version are superseded and
// removed. resumed reports whether an existing session was reused.
func (r *Registry) CreateOrResume(device string, a firmware.Artifact, owner ConnID) (s Session, resumed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, other := range r.sessions {
		if other.DeviceID == device && other.Resumable() && other.Firmware.Version != a.Version {
			r.log.Info("session superseded", "session_id", id, "device", device,
				"old_version", other.Firmware.Version.String(), "new_version", a.Version.String())
			delete(r.sessions, id)
			r.forgetLocked(id)
			r.released = true
		}
	}

	if existing := r.findResumableLocked(device, a.Version); existing != nil {
		existing.State = StateActive
		existing.InterruptedAt = time.Time{}
		existing.Owner = owner
		r.persistLocked(existing)
		r.log.Info("session resumed", "session_id", existing.ID, "device", device, "offset", existing.LastOffset)
		return *existing, true
	}

	n := &Session{
		ID:          r.newID(),
		DeviceID:    device,
		Firmware:    a,
		ChunkSize:   r.cfg.DefaultChunk,
		TotalChunks: a.TotalChunks(r.cfg.DefaultChunk),
		State:       StateActive,
		StartedAt:   r.nowFn(),
		Owner:       owner,
	}
	r.sessions[n.ID] = n
	r.persistLocked(n)
	r.log.Info("session created", "session_id", n.ID, "device", device,
		"firmware", a.Name, "version", a.Version.String(), "size", a.Size)
	return *n, false
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *s, nil
}

// Bind attaches the session to a new connection after a reconnect and
// clears any interruption. Progress is left untouched.
func (r *Registry) Bind(id string, owner ConnID) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.Owner = owner
	if s.State == StateInterrupted {
		s.State = StateActive
		s.InterruptedAt = time.Time{}
	}
	r.persistLocked(s)
	return *s, nil
}

// RecordChunk accounts for a chunk ending at end that is about to be
// served. LastOffset only ever grows. Completed sessions are refused.
func (r *Registry) RecordChunk(id string, end int64) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.State == StateCompleted {
		return *s, fmt.Errorf("%w: %s", ErrCompleted, id)
	}
	if end > s.LastOffset {
		s.LastOffset = min(end, s.Firmware.Size)
	}
	s.DownloadedChunks++
	r.persistLocked(s)
	return *s, nil
}

// SetChunkSize changes the session's chunk size, clamped to the configured
// bounds, and returns the updated session.
func (r *Registry) SetChunkSize(id string, size int) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	size = clamp(size, r.cfg.MinChunk, r.cfg.MaxChunk)
	if size != s.ChunkSize {
		r.log.Debug("chunk size changed", "session_id", id, "from", s.ChunkSize, "to", size)
		s.ChunkSize = size
		s.TotalChunks = s.DownloadedChunks + s.remainingChunks(size)
		r.persistLocked(s)
	}
	return *s, nil
}

// Complete marks the session verified. The next sweep evicts it.
func (r *Registry) Complete(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.State = StateCompleted
	s.InterruptedAt = time.Time{}
	r.persistLocked(s)
	r.log.Info("session completed", "session_id", id, "device", s.DeviceID, "chunks", s.DownloadedChunks)
	return *s, nil
}

// MarkInterrupted records that owner's connection dropped. Sessions that
// have since been rebound to another connection, or are completed, are
// left alone. It reports whether the session was interrupted.
func (r *Registry) MarkInterrupted(id string, owner ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Owner != owner || s.State != StateActive {
		return false
	}
	s.State = StateInterrupted
	s.InterruptedAt = r.nowFn()
	s.Owner = 0
	r.persistLocked(s)
	r.log.Info("session interrupted", "session_id", id, "device", s.DeviceID, "offset", s.LastOffset)
	return true
}

// Sweep evicts completed sessions, sessions interrupted for longer than
// InterruptedTimeout, and sessions older than AbsoluteTimeout. It returns
// the evicted sessions.
func (r *Registry) Sweep(now time.Time) []Session {
	r.mu.Lock()
	var evicted []Session
	for id, s := range r.sessions {
		if s.expired(now, r.cfg.InterruptedTimeout, r.cfg.AbsoluteTimeout) {
			evicted = append(evicted, *s)
			delete(r.sessions, id)
			r.forgetLocked(id)
		}
	}
	released := r.released || len(evicted) > 0
	r.released = false
	onEvict, onSweep := r.onEvict, r.onSweep
	r.mu.Unlock()

	// Fire callbacks outside the lock
	for _, s := range evicted {
		r.log.Debug("session evicted", "session_id", s.ID, "device", s.DeviceID, "state", s.State.String())
		if onEvict != nil {
			onEvict(s)
		}
	}
	if released && onSweep != nil {
		onSweep(evicted)
	}
	return evicted
}

// List returns copies of all live sessions.
func (r *Registry) List() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// StorageRefs returns the artifact storage references held by live
// sessions.
func (r *Registry) StorageRefs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var refs []string
	for _, s := range r.sessions {
		if ref := s.Firmware.StorageRef; ref != "" && !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	return refs
}

// Restore loads persisted sessions. Open sessions come back interrupted as
// of now, with no owner, so their devices can resume them; completed ones
// are dropped. It returns the number of sessions restored.
func (r *Registry) Restore() (int, error) {
	if r.store == nil {
		return 0, nil
	}

	var loaded []*Session
	var stale [][]byte
	err := kvdb.ForEach(r.store, nil, func(key, value []byte) error {
		var s Session
		if err := json.Unmarshal(value, &s); err != nil || s.ID == "" {
			r.log.Warn("discarding unreadable session record", "key", string(key), "error", err)
			stale = append(stale, append([]byte{}, key...))
			return nil
		}
		if s.State == StateCompleted {
			stale = append(stale, append([]byte{}, key...))
			return nil
		}
		loaded = append(loaded, &s)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("loading sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range stale {
		_ = r.store.Delete(key)
	}
	now := r.nowFn()
	for _, s := range loaded {
		s.State = StateInterrupted
		s.InterruptedAt = now
		s.Owner = 0
		r.sessions[s.ID] = s
		r.persistLocked(s)
	}
	if len(loaded) > 0 {
		r.log.Info("restored sessions", "count", len(loaded))
	}
	return len(loaded), nil
}

func (r *Registry) persistLocked(s *Session) {
	if r.store == nil {
		return
	}
	raw, err := json.Marshal(s)
	if err != nil {
		r.log.Warn("failed to encode session", "session_id", s.ID, "error", err)
		return
	}
	if err := r.store.Put([]byte(s.ID), raw); err != nil {
		r.log.Warn("failed to persist session", "session_id", s.ID, "error", err)
	}
}

func (r *Registry) forgetLocked(id string) {
	if r.store == nil {
		return
	}
	if err := r.store.Delete([]byte(id)); err != nil {
		r.log.Warn("failed to delete session record", "session_id", id, "error", err)
	}
}

// Start runs the periodic sweep until the context is cancelled or Stop is
// called. Blocks.
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.nowFn())
		}
	}
}

// Stop cancels the sweep loop.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
