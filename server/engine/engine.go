// Package engine implements the server side of the chunked firmware
// transfer protocol.
//
// Each device connection is served by its own loop reading newline
// terminated JSON requests. check, verify and resume are answered with a
// single JSON line; download is answered with a chunk header line followed
// by exactly header.s raw payload bytes. Protocol failures are reported as
// error responses and the connection stays open.
package engine

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kabili207/fota-go/core/codec"
	"github.com/kabili207/fota-go/core/firmware"
	"github.com/kabili207/fota-go/server/session"
)

const (
	// DefaultWarmupRequests is how many downloads a connection makes before
	// its retry ratio is acted on.
	DefaultWarmupRequests = 8

	// DefaultRetryRatio is the retry share above which the chunk size is
	// halved.
	DefaultRetryRatio = 0.25

	// DefaultIdleTimeout closes connections that send nothing for this long.
	DefaultIdleTimeout = 2 * time.Minute

	// DefaultWriteTimeout bounds a single response write.
	DefaultWriteTimeout = 10 * time.Second
)

// Notifier receives session transitions, e.g. to publish them over MQTT.
// Implementations must not block for long.
type Notifier interface {
	NotifySession(ev session.Event)
}

// Config configures an Engine.
type Config struct {
	// Registry owns transfer sessions. Required.
	Registry *session.Registry
	// Catalog resolves firmware and serves chunk reads. Required.
	Catalog firmware.Catalog
	// Notifier is told about session transitions. Optional.
	Notifier Notifier

	// WarmupRequests is the number of downloads on a connection before
	// adaptive sizing engages. Default: 8.
	WarmupRequests int
	// RetryRatio is the retry share that triggers halving the chunk size.
	// Default: 0.25.
	RetryRatio float64
	// GrowBack doubles the chunk size, up to the registry's default, after
	// a full warm-up window without retries.
	GrowBack bool
	// MinCompressionSavings is the share of bytes compression must save
	// before a compressed payload is sent. Default: 0.10.
	MinCompressionSavings float64

	// IdleTimeout bounds the wait for the next request. Default: 2 minutes.
	IdleTimeout time.Duration
	// WriteTimeout bounds each response write. Default: 10 seconds.
	WriteTimeout time.Duration

	// Logger for engine events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Engine serves the transfer protocol to any number of connections.
type Engine struct {
	cfg      Config
	log      *slog.Logger
	reg      *session.Registry
	cat      firmware.Catalog
	counters Counters
	nextConn atomic.Uint64
}

// New creates an engine with the given configuration.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("session registry is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("firmware catalog is required")
	}
	if cfg.WarmupRequests <= 0 {
		cfg.WarmupRequests = DefaultWarmupRequests
	}
	if cfg.RetryRatio <= 0 {
		cfg.RetryRatio = DefaultRetryRatio
	}
	if cfg.MinCompressionSavings <= 0 {
		cfg.MinCompressionSavings = codec.DefaultMinCompressionSavings
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg: cfg,
		log: logger.WithGroup("engine"),
		reg: cfg.Registry,
		cat: cfg.Catalog,
	}, nil
}

// Counters returns the engine's live counters.
func (e *Engine) Counters() *Counters {
	return &e.counters
}

// Registry returns the session registry the engine serves from.
func (e *Engine) Registry() *session.Registry {
	return e.reg
}

func (e *Engine) notify(kind session.EventKind, s session.Session) {
	if e.cfg.Notifier != nil {
		e.cfg.Notifier.NotifySession(session.Event{Kind: kind, Session: s})
	}
}
