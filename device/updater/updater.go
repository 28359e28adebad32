// Package updater drives a firmware transfer from the device side: it asks
// the server for the latest image, streams chunks into flash, verifies the
// result and hands over to the bootloader.
package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kabili207/fota-go/core/codec"
	"github.com/kabili207/fota-go/core/firmware"
	"github.com/kabili207/fota-go/device/flash"
	"github.com/kabili207/fota-go/transport"
)

const (
	DefaultStagingSize          = 4096
	DefaultMaxChunkRetries      = 3
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 2 * time.Second
	DefaultMaxReconnectDelay    = 30 * time.Second
	DefaultIOTimeout            = 10 * time.Second
)

// ErrRunning is returned by Run while another Run is in progress.
var ErrRunning = errors.New("update already running")

// State is the phase of the update state machine.
type State int32

const (
	StateIdle State = iota
	StateChecking
	StateDownloading
	StateVerifying
	StateApplying
	StateRebooting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateDownloading:
		return "downloading"
	case StateVerifying:
		return "verifying"
	case StateApplying:
		return "applying"
	case StateRebooting:
		return "rebooting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Progress is passed to the progress callback after every accepted chunk
// and once more when the image is applied.
type Progress struct {
	State     State
	Offset    int64 // bytes received so far
	Total     int64
	Percent   float64 // 0.0 to 100.0
	ChunkSize int     // size of the last accepted chunk
	Chunks    int
	Elapsed   time.Duration
}

// ProgressCallback is called synchronously from Run; it should return
// quickly.
type ProgressCallback func(Progress)

// Result summarizes one Run.
type Result struct {
	Updated    bool
	Version    firmware.Version // version offered by the server
	SessionID  string
	Bytes      int64
	Chunks     int
	Retries    int
	Reconnects int
}

// Config holds the configuration for a Client.
type Config struct {
	// Link reaches the update server. Required.
	Link transport.Link
	// Flash receives the staged image. Required.
	Flash flash.Writer
	// Rebooter restarts the device after a commit. Optional.
	Rebooter flash.Rebooter

	// DeviceID identifies this device to the server. Required.
	DeviceID string
	// CurrentVersion is the running firmware version.
	CurrentVersion firmware.Version

	// HashType selects the digest checked locally and sent with verify.
	// Defaults to MD5.
	HashType codec.HashKind
	// Compression asks the server for compressed chunks.
	Compression bool
	// ChunkSize is the requested chunk size. Zero uses the session's.
	ChunkSize int

	// StagingSize bounds how many received bytes are held back from
	// flash. Defaults to 4096.
	StagingSize int
	// MaxChunkRetries is how often one offset is requested again after a
	// bad chunk or a READ_ERROR. Defaults to 3.
	MaxChunkRetries int
	// MaxReconnectAttempts bounds consecutive reconnects without progress.
	// Defaults to 5.
	MaxReconnectAttempts int
	// ReconnectDelay is waited before the first reconnect and doubles
	// with each further attempt. Defaults to 2s.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the doubled delay. Defaults to 30s.
	MaxReconnectDelay time.Duration
	// IOTimeout bounds every blocking receive. Defaults to 10s.
	IOTimeout time.Duration
	// SkipChunkCRC accepts chunks without checking their CRCs. The image
	// digest is still checked before commit.
	SkipChunkCRC bool

	Progress ProgressCallback
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client is the device side of the transfer protocol. Run is strictly
// sequential: at most one request is in flight.
type Client struct {
	cfg   Config
	log   *slog.Logger
	state atomic.Int32
	busy  atomic.Bool
	nowFn func() time.Time

	mu      sync.Mutex
	version firmware.Version

	// linkDown is signaled when the link reports a disconnect.
	linkDown chan struct{}

	// Owned by Run.
	pending *transfer
	stats   Result
	started time.Time
}

// offer is a parsed check response.
type offer struct {
	sessionID    string
	artifact     firmware.Artifact
	chunkSize    int
	totalChunks  int
	resumeOffset int64
}

// transfer is the download state carried across Runs until the image is
// committed or discarded.
type transfer struct {
	offer
	want     string // expected digest
	hasher   *codec.Hasher
	stage    *stage
	chunks   int
	lastSize int
	failures int // reconnect attempts since the last accepted chunk
	finished bool
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	switch {
	case cfg.Link == nil:
		return nil, ErrNoLink
	case cfg.Flash == nil:
		return nil, ErrNoFlash
	case cfg.DeviceID == "":
		return nil, ErrNoDevice
	}
	if cfg.HashType == "" {
		cfg.HashType = codec.HashMD5
	}
	if _, err := codec.NewHasher(cfg.HashType); err != nil {
		return nil, err
	}
	if cfg.StagingSize <= 0 {
		cfg.StagingSize = DefaultStagingSize
	}
	if cfg.MaxChunkRetries <= 0 {
		cfg.MaxChunkRetries = DefaultMaxChunkRetries
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = max(DefaultMaxReconnectDelay, cfg.ReconnectDelay)
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = DefaultIOTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Client{
		cfg:      cfg,
		log:      cfg.Logger.WithGroup("updater"),
		nowFn:    time.Now,
		version:  cfg.CurrentVersion,
		linkDown: make(chan struct{}, 1),
	}
	cfg.Link.SetStateHandler(c.linkEvent)
	return c, nil
}

// linkEvent is the link's state handler.
func (c *Client) linkEvent(_ transport.Link, ev transport.Event) {
	switch ev {
	case transport.EventDisconnected:
		select {
		case c.linkDown <- struct{}{}:
		default:
		}
	case transport.EventConnected:
		select {
		case <-c.linkDown:
		default:
		}
	case transport.EventReconnecting:
		c.log.Debug("link reconnecting")
	case transport.EventError:
		c.log.Warn("link error")
	}
}

// dropped reports whether the link went down since it last came up.
func (c *Client) dropped() bool {
	select {
	case <-c.linkDown:
		return !c.cfg.Link.IsConnected()
	default:
		return false
	}
}

// backoff returns the wait before reconnect attempt n, counted from 1.
func (c *Client) backoff(n int) time.Duration {
	d := c.cfg.ReconnectDelay
	for i := 1; i < n && d < c.cfg.MaxReconnectDelay; i++ {
		d *= 2
	}
	return min(d, c.cfg.MaxReconnectDelay)
}

// State returns the current phase.
func (c *Client) State() State { return State(c.state.Load()) }

// Version returns the running firmware version. It changes after an
// update is committed.
func (c *Client) Version() firmware.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *Client) setVersion(v firmware.Version) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version = v
}

func (c *Client) setState(s State) {
	if prev := State(c.state.Swap(int32(s))); prev != s {
		c.log.Debug("state changed", "from", prev, "to", s)
	}
}

// Run performs one update attempt: check, download, verify, apply.
//
// When there is nothing newer to install it returns with Updated false
// and a nil error. Failures are *TransferError. Transport failures and
// cancellation keep the staged bytes, so the next Run for the same image
// continues where this one stopped; every other failure aborts the staged
// write and leaves the running firmware untouched.
func (c *Client) Run(ctx context.Context) (res Result, err error) {
	if !c.busy.CompareAndSwap(false, true) {
		return Result{}, ErrRunning
	}
	defer c.busy.Store(false)

	c.stats = Result{}
	c.started = c.nowFn()
	defer func() {
		if r := recover(); r != nil {
			st := c.State()
			c.log.Error("update panicked", "state", st, "panic", r)
			_ = c.cfg.Flash.Abort()
			c.pending = nil
			c.setState(StateFailed)
			res, err = c.stats, &TransferError{State: st, Class: ClassDevice, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	c.setState(StateChecking)
	if err := c.connect(ctx); err != nil {
		return c.stats, c.fail(ClassTransport, 0, err)
	}
	o, err := c.check()
	if err != nil {
		if codec.IsCode(err, codec.CodeNoFirmware) {
			c.log.Info("server has no firmware")
			c.setState(StateIdle)
			return c.stats, nil
		}
		class := classify(err)
		if linkFault(err) {
			_ = c.cfg.Link.Close()
			class = ClassTransport
		}
		return c.stats, c.fail(class, 0, err)
	}
	c.stats.Version = o.artifact.Version
	c.stats.SessionID = o.sessionID

	if !o.artifact.Version.Newer(c.Version()) {
		c.log.Info("firmware is up to date", "running", c.Version(), "offered", o.artifact.Version)
		c.discard()
		c.setState(StateIdle)
		return c.stats, nil
	}

	t, err := c.prepare(o)
	if err != nil {
		return c.stats, c.fail(ClassDevice, 0, err)
	}

	c.setState(StateDownloading)
	if err := c.download(ctx, t); err != nil {
		return c.stats, err
	}

	c.setState(StateVerifying)
	if err := c.verify(ctx, t); err != nil {
		return c.stats, err
	}

	c.setState(StateApplying)
	if err := c.cfg.Flash.Commit(); err != nil {
		return c.stats, c.fail(ClassDevice, t.artifact.Size, fmt.Errorf("committing image: %w", err))
	}
	c.pending = nil
	c.setVersion(t.artifact.Version)
	c.stats.Updated = true
	c.log.Info("firmware applied", "version", t.artifact.Version, "bytes", t.artifact.Size,
		"retries", c.stats.Retries, "reconnects", c.stats.Reconnects)
	c.report(t)

	c.setState(StateRebooting)
	if c.cfg.Rebooter != nil {
		if err := c.cfg.Rebooter.Reboot(); err != nil {
			// The new image is already active; a failed reboot only delays it.
			c.setState(StateFailed)
			return c.stats, &TransferError{State: StateRebooting, Class: ClassDevice, Offset: t.artifact.Size, Err: err}
		}
	}
	return c.stats, nil
}

// fail builds the error for a failed attempt and moves to StateFailed.
// Unless the failure is resumable the staged image is aborted.
func (c *Client) fail(class ErrorClass, offset int64, err error) *TransferError {
	te := &TransferError{State: c.State(), Class: class, Offset: offset, Err: err}
	if !te.Resumable() {
		c.discard()
	}
	c.log.Error("update failed", "state", te.State, "class", class, "offset", offset, "error", err)
	c.setState(StateFailed)
	return te
}

// failure converts err into a *TransferError unless it already is one.
func (c *Client) failure(err error, offset int64) error {
	var te *TransferError
	if errors.As(err, &te) {
		return err
	}
	return c.fail(classify(err), offset, err)
}

// discard aborts any staged image.
func (c *Client) discard() {
	if c.pending == nil {
		return
	}
	if err := c.cfg.Flash.Abort(); err != nil {
		c.log.Warn("aborting staged image", "error", err)
	}
	c.pending = nil
}

func (c *Client) report(t *transfer) {
	if c.cfg.Progress == nil {
		return
	}
	end := t.stage.end()
	pct := 100.0
	if t.artifact.Size > 0 {
		pct = float64(end) / float64(t.artifact.Size) * 100
	}
	c.cfg.Progress(Progress{
		State:     c.State(),
		Offset:    end,
		Total:     t.artifact.Size,
		Percent:   pct,
		ChunkSize: t.lastSize,
		Chunks:    t.chunks,
		Elapsed:   c.nowFn().Sub(c.started),
	})
}

func (c *Client) connect(ctx context.Context) error {
	if c.cfg.Link.IsConnected() {
		return nil
	}
	var err error
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		if attempt > 1 {
			if werr := c.wait(ctx, c.backoff(attempt-1)); werr != nil {
				return werr
			}
		}
		if err = c.cfg.Link.Connect(ctx); err == nil {
			return nil
		}
		c.log.Warn("connect failed", "attempt", attempt, "error", err)
	}
	return err
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) send(req *codec.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", req.Action, err)
	}
	return c.cfg.Link.Send(append(b, codec.Delimiter))
}

// roundTrip sends a control request and reads its single-line response.
func (c *Client) roundTrip(req *codec.Request) (*codec.Response, error) {
	if err := c.send(req); err != nil {
		return nil, err
	}
	f, err := codec.ReadFrame(c.cfg.Link, c.cfg.IOTimeout, 0)
	if err != nil {
		return nil, err
	}
	if f.IsChunk() {
		return nil, fmt.Errorf("%w: chunk in reply to %s", errStream, req.Action)
	}
	if err := f.Response.Err(); err != nil {
		return nil, err
	}
	return f.Response, nil
}

func (c *Client) check() (offer, error) {
	resp, err := c.roundTrip(codec.NewCheckRequest(c.cfg.DeviceID, c.Version().String()))
	if err != nil {
		return offer{}, err
	}
	v, err := firmware.ParseVersion(resp.Version)
	if err != nil {
		return offer{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if resp.SessionID == "" || resp.Size <= 0 {
		return offer{}, fmt.Errorf("%w: check without session or size", ErrBadResponse)
	}
	o := offer{
		sessionID: resp.SessionID,
		artifact: firmware.Artifact{
			Name:    resp.Name,
			Version: v,
			Size:    resp.Size,
			MD5:     resp.MD5,
			SHA256:  resp.SHA256,
		},
		chunkSize:   resp.ChunkSize,
		totalChunks: resp.TotalChunks,
	}
	if resp.ResumeOffset != nil {
		o.resumeOffset = *resp.ResumeOffset
	}
	if d, _ := o.artifact.Digest(c.cfg.HashType); d == "" {
		return offer{}, fmt.Errorf("%w: no %s digest offered", ErrBadResponse, c.cfg.HashType)
	}
	return o, nil
}

// prepare continues the pending transfer when the server still offers the
// same image, and otherwise starts a new staged write.
func (c *Client) prepare(o offer) (*transfer, error) {
	if t := c.pending; t != nil {
		if t.sameImage(o) {
			next := t.rebind(o)
			c.log.Info("continuing staged transfer", "session_id", o.sessionID,
				"server_offset", o.resumeOffset, "offset", next)
			return t, nil
		}
		c.log.Info("discarding staged transfer", "staged", t.artifact.Version, "offered", o.artifact.Version)
		c.discard()
	}

	want, _ := o.artifact.Digest(c.cfg.HashType)
	if err := c.cfg.Flash.Begin(o.artifact.Size); err != nil {
		return nil, fmt.Errorf("starting flash write: %w", err)
	}
	if err := c.cfg.Flash.SetExpectedDigest(c.cfg.HashType, want); err != nil {
		_ = c.cfg.Flash.Abort()
		return nil, fmt.Errorf("setting expected digest: %w", err)
	}
	hasher, err := codec.NewHasher(c.cfg.HashType)
	if err != nil {
		_ = c.cfg.Flash.Abort()
		return nil, err
	}
	t := &transfer{offer: o, want: want, hasher: hasher}
	t.stage = newStage(c.cfg.StagingSize, func(p []byte) error {
		n, err := c.cfg.Flash.Write(p)
		if err != nil {
			return err
		}
		if n != len(p) {
			return io.ErrShortWrite
		}
		_, err = t.hasher.Write(p)
		return err
	})
	c.pending = t

	if o.resumeOffset > 0 {
		c.log.Info("server session is ahead of the local image, starting over",
			"session_id", o.sessionID, "server_offset", o.resumeOffset)
	}
	c.log.Info("starting transfer", "session_id", o.sessionID, "name", o.artifact.Name,
		"version", o.artifact.Version, "size", o.artifact.Size, "chunk_size", o.chunkSize)
	return t, nil
}

func (t *transfer) sameImage(o offer) bool {
	a, b := t.artifact, o.artifact
	return a.Name == b.Name && a.Version == b.Version && a.Size == b.Size &&
		a.MD5 == b.MD5 && a.SHA256 == b.SHA256
}

// rebind attaches t to the session in o and returns the offset to
// continue from.
func (t *transfer) rebind(o offer) int64 {
	t.sessionID = o.sessionID
	t.chunkSize = o.chunkSize
	t.totalChunks = o.totalChunks
	return t.reconcile(o.resumeOffset)
}

// reconcile adopts the server's offset when it lies inside the staging
// window and keeps the local offset otherwise.
func (t *transfer) reconcile(server int64) int64 {
	if t.finished || !t.stage.rewind(server) {
		return t.stage.end()
	}
	return server
}
