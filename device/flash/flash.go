// Package flash defines the primitive the updater streams firmware into,
// together with a file-backed simulator.
//
// A Writer stages one image at a time. The running image is never touched
// until Commit; Abort discards the staged bytes and leaves the running
// image as it was.
package flash

//go:generate go run github.com/golang/mock/mockgen -package=flashmock -destination=flashmock/flash.go github.com/kabili207/fota-go/device/flash Writer,Rebooter

import (
	"errors"

	"github.com/kabili207/fota-go/core/codec"
)

var (
	ErrNotStarted   = errors.New("flash: no staged update in progress")
	ErrInProgress   = errors.New("flash: staged update already in progress")
	ErrNoSpace      = errors.New("flash: not enough space for image")
	ErrOverflow     = errors.New("flash: write beyond declared image size")
	ErrSizeMismatch = errors.New("flash: staged size differs from declared size")
	ErrNotFinished  = errors.New("flash: staged image not finished")
	ErrDigestLate   = errors.New("flash: expected digest set after writing began")
	ErrDigest       = errors.New("flash: staged image digest mismatch")
)

// Writer is the flash-write primitive.
type Writer interface {
	// Begin starts staging an image of exactly size bytes.
	Begin(size int64) error
	// SetExpectedDigest makes Finish check the staged image against hex.
	// It must be called after Begin and before the first Write.
	SetExpectedDigest(kind codec.HashKind, hex string) error
	// Write appends to the staged image.
	Write(p []byte) (int, error)
	// Finish closes the staged image once all bytes are written. It fails
	// with ErrDigest if an expected digest was set and does not match.
	Finish() error
	// Commit makes the finished image the one booted next.
	Commit() error
	// Abort discards any staged bytes. It is safe to call at any time.
	Abort() error
}

// Rebooter restarts the device into its committed image.
type Rebooter interface {
	Reboot() error
}

// RebootFunc adapts a function to Rebooter.
type RebootFunc func() error

func (f RebootFunc) Reboot() error { return f() }
