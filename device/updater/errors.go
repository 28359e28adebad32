package updater

import (
	"errors"
	"fmt"

	"github.com/kabili207/fota-go/core/codec"
)

var (
	ErrNoLink       = errors.New("link is required")
	ErrNoFlash      = errors.New("flash writer is required")
	ErrNoDevice     = errors.New("device ID is required")
	ErrBadResponse  = errors.New("unexpected response")
	ErrImageChanged = errors.New("server offers a different image")
	ErrDigest       = errors.New("image digest mismatch")

	// errChunk marks a chunk that arrived intact on the wire but failed
	// its own checks. The same offset is requested again.
	errChunk = errors.New("bad chunk")

	// errStream marks a framing fault after which the byte stream cannot
	// be trusted. The link is dropped and the session resumed.
	errStream = errors.New("stream out of sync")
)

// ErrorClass groups failures by how they are recovered.
type ErrorClass int

const (
	// ClassTransport covers connect failures, timeouts and resets. The
	// staged image is kept so a later Run can resume.
	ClassTransport ErrorClass = iota
	// ClassProtocol covers malformed or unexpected exchanges.
	ClassProtocol
	// ClassSession covers INVALID_SESSION and NO_FIRMWARE.
	ClassSession
	// ClassData covers READ_ERROR and chunks that keep failing their CRC.
	ClassData
	// ClassIntegrity covers a digest mismatch of the finished image.
	ClassIntegrity
	// ClassDevice covers flash failures.
	ClassDevice
	// ClassCancelled is reported when the context ends between chunks.
	ClassCancelled
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransport:
		return "transport"
	case ClassProtocol:
		return "protocol"
	case ClassSession:
		return "session"
	case ClassData:
		return "data"
	case ClassIntegrity:
		return "integrity"
	case ClassDevice:
		return "device"
	case ClassCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// TransferError describes why an update attempt stopped.
type TransferError struct {
	State  State // state the client was in when it failed
	Class  ErrorClass
	Offset int64
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("update %s at offset %d: %s error: %v", e.State, e.Offset, e.Class, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Resumable reports whether the staged bytes survived the failure.
func (e *TransferError) Resumable() bool {
	return e.Class == ClassTransport || e.Class == ClassCancelled
}

// ClassOf returns the class of a *TransferError in err's chain.
func ClassOf(err error) (ErrorClass, bool) {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Class, true
	}
	return 0, false
}

// classify maps a server error onto a class.
func classify(err error) ErrorClass {
	var pe *codec.ProtocolError
	if !errors.As(err, &pe) {
		return ClassProtocol
	}
	switch pe.Code {
	case codec.CodeInvalidSession, codec.CodeNoFirmware:
		return ClassSession
	case codec.CodeReadError:
		return ClassData
	case codec.CodeHashMismatch:
		return ClassIntegrity
	default:
		return ClassProtocol
	}
}

// linkFault reports whether err calls for dropping and re-establishing the
// link rather than failing the attempt.
func linkFault(err error) bool {
	if errors.Is(err, errStream) {
		return true
	}
	var pe *codec.ProtocolError
	if errors.As(err, &pe) {
		return false
	}
	return !errors.Is(err, errChunk) && !errors.Is(err, ErrBadResponse) && !errors.Is(err, ErrImageChanged)
}
