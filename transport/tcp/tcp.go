// Package tcp provides a Link over a plain TCP socket.
package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/kabili207/fota-go/transport"
)

// Compile-time interface check.
var _ transport.Link = (*Link)(nil)

const (
	// DefaultDialTimeout bounds a connection attempt.
	DefaultDialTimeout = 10 * time.Second

	readBufSize = 8192
)

// DialFunc opens the underlying connection.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Config holds the configuration for a TCP link.
type Config struct {
	// Addr is the server address, host:port.
	Addr string
	// DialTimeout bounds Connect. Defaults to 10 seconds.
	DialTimeout time.Duration
	// Dial overrides how connections are opened, e.g. with net.Pipe in
	// tests. Addr is ignored when set.
	Dial DialFunc
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Link implements transport.Link over TCP.
type Link struct {
	cfg Config
	log *slog.Logger

	mu           sync.RWMutex
	conn         net.Conn
	r            *bufio.Reader
	stateHandler transport.StateHandler
	// everConnected marks later Connect calls as reconnects.
	everConnected bool
}

// New creates a new TCP link with the given configuration.
func New(cfg Config) *Link {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Link{
		cfg: cfg,
		log: cfg.Logger.WithGroup("tcp"),
	}
}

// Connect dials the server. A failed attempt fires EventError; a Connect
// after an earlier connection fires EventReconnecting first.
func (l *Link) Connect(ctx context.Context) error {
	if l.IsConnected() {
		return nil
	}
	l.mu.RLock()
	again := l.everConnected
	l.mu.RUnlock()
	if again {
		l.fire(transport.EventReconnecting)
	}

	dial := l.cfg.Dial
	if dial == nil {
		if l.cfg.Addr == "" {
			return errors.New("server address is required")
		}
		dial = func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", l.cfg.Addr)
		}
	}

	dctx, cancel := context.WithTimeout(ctx, l.cfg.DialTimeout)
	defer cancel()
	conn, err := dial(dctx)
	if err != nil {
		l.fire(transport.EventError)
		return fmt.Errorf("connecting to %s: %w", l.cfg.Addr, err)
	}

	l.mu.Lock()
	l.conn = conn
	l.r = bufio.NewReaderSize(conn, readBufSize)
	l.everConnected = true
	l.mu.Unlock()

	l.log.Info("connected to server", "addr", conn.RemoteAddr().String())
	l.fire(transport.EventConnected)
	return nil
}

func (l *Link) fire(ev transport.Event) {
	l.mu.RLock()
	handler := l.stateHandler
	l.mu.RUnlock()
	if handler != nil {
		handler(l, ev)
	}
}

// Close closes the connection.
func (l *Link) Close() error {
	l.mu.Lock()
	conn := l.conn
	l.conn, l.r = nil, nil
	handler := l.stateHandler
	l.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	if handler != nil {
		handler(l, transport.EventDisconnected)
	}
	return err
}

// IsConnected returns true while the socket is open.
func (l *Link) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conn != nil
}

// SetStateHandler sets the callback for link state changes.
func (l *Link) SetStateHandler(fn transport.StateHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stateHandler = fn
}

func (l *Link) current() (net.Conn, *bufio.Reader, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.conn == nil {
		return nil, nil, transport.ErrNotConnected
	}
	return l.conn, l.r, nil
}

// Send writes p to the socket.
func (l *Link) Send(p []byte) error {
	conn, _, err := l.current()
	if err != nil {
		return err
	}
	if _, err := conn.Write(p); err != nil {
		return l.ioError("writing", err)
	}
	return nil
}

// ReceiveUntil reads up to delim.
func (l *Link) ReceiveUntil(delim byte, timeout time.Duration) ([]byte, error) {
	conn, r, err := l.current()
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, l.ioError("setting deadline", err)
	}
	line, err := transport.ReadUntil(r, delim, transport.MaxLineLength)
	if err != nil {
		if errors.Is(err, transport.ErrLineTooLong) {
			return nil, err
		}
		return nil, l.ioError("reading", err)
	}
	return line, nil
}

// ReceiveN reads exactly n bytes.
func (l *Link) ReceiveN(n int, timeout time.Duration) ([]byte, error) {
	conn, r, err := l.current()
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, l.ioError("setting deadline", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, l.ioError("reading", err)
	}
	return buf, nil
}

// ioError classifies err. Anything but a timeout drops the connection.
func (l *Link) ioError(op string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, transport.ErrTimeout)
	}
	l.log.Warn("connection lost", "op", op, "error", err)
	l.fire(transport.EventError)
	_ = l.Close()
	return fmt.Errorf("%s: %w: %v", op, transport.ErrNotConnected, err)
}
