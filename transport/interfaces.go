// Package transport provides the byte-stream links a device uses to reach
// the update server.
//
// A Link carries the line-oriented control messages and the raw chunk
// payloads of the transfer protocol. It satisfies codec.Source so frames
// can be read straight off it.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

var (
	// ErrNotConnected is returned by I/O on a link that is down.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrTimeout is returned when a receive does not complete in time.
	ErrTimeout = errors.New("transport: timeout")
	// ErrLineTooLong is returned when no delimiter arrives within the
	// line limit.
	ErrLineTooLong = errors.New("transport: line too long")
)

// MaxLineLength bounds ReceiveUntil.
const MaxLineLength = 4096

// Link is a connection to the update server.
type Link interface {
	// Connect establishes the connection. Calling Connect on a connected
	// link is a no-op.
	Connect(ctx context.Context) error
	// Close tears the connection down. The link can be connected again.
	Close() error
	// IsConnected returns true while the connection is up.
	IsConnected() bool
	// Send writes p in full.
	Send(p []byte) error
	// ReceiveUntil returns the bytes up to delim, excluding it.
	ReceiveUntil(delim byte, timeout time.Duration) ([]byte, error)
	// ReceiveN returns exactly n bytes.
	ReceiveN(n int, timeout time.Duration) ([]byte, error)
	// SetStateHandler sets the callback for link state changes.
	SetStateHandler(fn StateHandler)
}

// StateHandler is called when the link state changes.
type StateHandler func(link Link, event Event)

// Event represents link state change events.
type Event int

const (
	// EventConnected is fired when the link connects.
	EventConnected Event = iota
	// EventDisconnected is fired when the link disconnects.
	EventDisconnected
	// EventReconnecting is fired when Connect is called on a link that was
	// connected before.
	EventReconnecting
	// EventError is fired when a connect attempt fails or the connection
	// breaks. A broken connection also fires EventDisconnected.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// IsTimeout reports whether err is a receive or deadline timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, os.ErrDeadlineExceeded)
}

// ReadUntil reads from r up to delim, which is dropped. At most max bytes
// are accepted before ErrLineTooLong.
func ReadUntil(r *bufio.Reader, delim byte, max int) ([]byte, error) {
	var line []byte
	for {
		frag, err := r.ReadSlice(delim)
		if len(line)+len(frag) > max+1 {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, max)
		}
		line = append(line, frag...)
		switch {
		case err == nil:
			return line[:len(line)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, err
		}
	}
}
