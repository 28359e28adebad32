package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/kabili207/fota-go/core/firmware"
)

// State is a transfer session's lifecycle state.
type State int

const (
	StateActive State = iota
	StateInterrupted
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateInterrupted:
		return "interrupted"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "active":
		*s = StateActive
	case "interrupted":
		*s = StateInterrupted
	case "completed":
		*s = StateCompleted
	default:
		return fmt.Errorf("unknown session state %q", b)
	}
	return nil
}

// ConnID identifies the connection that currently owns a session. Zero
// means no connection.
type ConnID uint64

// Session is one device's transfer of one firmware artifact. Registry
// methods return copies; mutate through the Registry only.
type Session struct {
	ID               string            `json:"id"`
	DeviceID         string            `json:"device"`
	Firmware         firmware.Artifact `json:"firmware"`
	ChunkSize        int               `json:"chunkSize"`
	TotalChunks      int               `json:"totalChunks"`
	LastOffset       int64             `json:"lastOffset"`
	DownloadedChunks int               `json:"downloadedChunks"`
	State            State             `json:"state"`
	StartedAt        time.Time         `json:"startedAt"`
	InterruptedAt    time.Time         `json:"interruptedAt,omitzero"`

	Owner ConnID `json:"-"`
}

// Resumable reports whether a check for the same device and version should
// reuse this session.
func (s *Session) Resumable() bool {
	return s.State != StateCompleted
}

// Percent is the integer share of the artifact accounted for.
func (s *Session) Percent() int {
	if s.Firmware.Size <= 0 {
		return 100
	}
	return int(s.LastOffset * 100 / s.Firmware.Size)
}

// expired reports whether the sweep should evict s at now.
func (s *Session) expired(now time.Time, interruptedTimeout, absoluteTimeout time.Duration) bool {
	switch {
	case s.State == StateCompleted:
		return true
	case s.State == StateInterrupted && now.Sub(s.InterruptedAt) > interruptedTimeout:
		return true
	case now.Sub(s.StartedAt) > absoluteTimeout:
		return true
	}
	return false
}

// remainingChunks estimates the chunks still needed at size.
func (s *Session) remainingChunks(size int) int {
	rem := s.Firmware.Size - s.LastOffset
	if rem <= 0 || size <= 0 {
		return 0
	}
	return int((rem + int64(size) - 1) / int64(size))
}
