package codec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the highest wire protocol revision this package speaks.
// Requests without a protocol field are treated as revision 1.
const ProtocolVersion = 1

// Action identifies a request kind.
type Action string

const (
	ActionCheck    Action = "check"
	ActionDownload Action = "download"
	ActionVerify   Action = "verify"
	ActionResume   Action = "resume"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCheck, ActionDownload, ActionVerify, ActionResume:
		return true
	}
	return false
}

// Status is the outcome carried by every control response.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ErrorCode is a machine-readable failure reason on the wire.
type ErrorCode string

const (
	CodeBadRequest          ErrorCode = "BAD_REQUEST"
	CodeUnknownAction       ErrorCode = "UNKNOWN_ACTION"
	CodeUnsupportedProtocol ErrorCode = "UNSUPPORTED_PROTOCOL"
	CodeNoFirmware          ErrorCode = "NO_FIRMWARE"
	CodeInvalidSession      ErrorCode = "INVALID_SESSION"
	CodeInvalidOffset       ErrorCode = "INVALID_OFFSET"
	CodeReadError           ErrorCode = "READ_ERROR"
	CodeHashMismatch        ErrorCode = "HASH_MISMATCH"
	CodeUnsupportedHash     ErrorCode = "UNSUPPORTED_HASH"
)

// ProtocolError is a structured error reported by the server. It travels
// as a control response with status "error"; the connection stays open.
type ProtocolError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a ProtocolError. READ_ERROR is always retryable.
func Errorf(code ErrorCode, format string, args ...any) *ProtocolError {
	return &ProtocolError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: code == CodeReadError,
	}
}

// IsCode reports whether err is a ProtocolError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Code == code
}

// Request is a single control line sent by a device.
//
// Offset and Size are pointers so a missing field can be told apart from
// an explicit zero.
type Request struct {
	Protocol    int    `json:"protocol,omitempty"`
	Device      string `json:"device"`
	Action      Action `json:"action"`
	Version     string `json:"version,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	Offset      *int64 `json:"offset,omitempty"`
	Size        *int   `json:"size,omitempty"`
	Compression bool   `json:"compression,omitempty"`
	Hash        string `json:"hash,omitempty"`
	HashType    string `json:"hashType,omitempty"`
}

// NewCheckRequest asks for the latest firmware, reporting the running version.
func NewCheckRequest(device, version string) *Request {
	return &Request{Protocol: ProtocolVersion, Device: device, Action: ActionCheck, Version: version}
}

// NewDownloadRequest asks for size bytes starting at offset.
func NewDownloadRequest(device, sessionID string, offset int64, size int, compression bool) *Request {
	return &Request{
		Protocol:    ProtocolVersion,
		Device:      device,
		Action:      ActionDownload,
		SessionID:   sessionID,
		Offset:      &offset,
		Size:        &size,
		Compression: compression,
	}
}

// NewVerifyRequest submits the digest computed over the received image.
func NewVerifyRequest(device, sessionID, hash string, kind HashKind) *Request {
	return &Request{
		Protocol:  ProtocolVersion,
		Device:    device,
		Action:    ActionVerify,
		SessionID: sessionID,
		Hash:      hash,
		HashType:  string(kind),
	}
}

// NewResumeRequest rebinds an existing session after a reconnect.
func NewResumeRequest(device, sessionID string) *Request {
	return &Request{Protocol: ProtocolVersion, Device: device, Action: ActionResume, SessionID: sessionID}
}

// Validate checks the fields required by the request's action.
func (r *Request) Validate() error {
	if r.Protocol > ProtocolVersion {
		return Errorf(CodeUnsupportedProtocol, "protocol %d not supported (max %d)", r.Protocol, ProtocolVersion)
	}
	if r.Device == "" {
		return Errorf(CodeBadRequest, "missing device")
	}
	if !r.Action.Valid() {
		return Errorf(CodeUnknownAction, "unknown action %q", r.Action)
	}
	switch r.Action {
	case ActionDownload:
		if r.SessionID == "" {
			return Errorf(CodeBadRequest, "missing sessionId")
		}
		if r.Offset == nil {
			return Errorf(CodeBadRequest, "missing offset")
		}
		if *r.Offset < 0 {
			return Errorf(CodeInvalidOffset, "negative offset %d", *r.Offset)
		}
	case ActionVerify:
		if r.SessionID == "" {
			return Errorf(CodeBadRequest, "missing sessionId")
		}
		if r.Hash == "" {
			return Errorf(CodeBadRequest, "missing hash")
		}
	case ActionResume:
		if r.SessionID == "" {
			return Errorf(CodeBadRequest, "missing sessionId")
		}
	}
	return nil
}

// ParseRequest decodes and validates a request line. Decoding failures are
// reported as BAD_REQUEST.
func ParseRequest(line []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(line, &r); err != nil {
		return nil, Errorf(CodeBadRequest, "malformed request: %v", err)
	}
	if err := r.Validate(); err != nil {
		return &r, err
	}
	return &r, nil
}

// Response is a single-line control response. Only the fields relevant to
// the answered action are populated.
type Response struct {
	Status   Status `json:"status"`
	Action   Action `json:"action,omitempty"`
	Protocol int    `json:"protocol,omitempty"`

	Code      ErrorCode `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`

	// check
	Name         string `json:"name,omitempty"`
	Version      string `json:"version,omitempty"`
	Size         int64  `json:"size,omitempty"`
	MD5          string `json:"md5,omitempty"`
	SHA256       string `json:"sha256,omitempty"`
	ChunkSize    int    `json:"chunkSize,omitempty"`
	TotalChunks  int    `json:"totalChunks,omitempty"`
	ResumeOffset *int64 `json:"resumeOffset,omitempty"`

	// check, resume, verify
	SessionID string `json:"sessionId,omitempty"`

	// resume
	LastOffset       *int64 `json:"lastOffset,omitempty"`
	DownloadedChunks int    `json:"downloadedChunks,omitempty"`

	// verify
	Verified bool `json:"verified,omitempty"`
}

// ErrorResponse converts err into a wire error. Errors that are not
// ProtocolErrors are reported as BAD_REQUEST.
func ErrorResponse(action Action, err error) *Response {
	pe := &ProtocolError{Code: CodeBadRequest, Message: err.Error()}
	errors.As(err, &pe)
	return &Response{
		Status:    StatusError,
		Action:    action,
		Code:      pe.Code,
		Message:   pe.Message,
		Retryable: pe.Retryable,
	}
}

// Err returns the response as a *ProtocolError, or nil on success.
func (r *Response) Err() error {
	if r.Status == StatusSuccess {
		return nil
	}
	code := r.Code
	if code == "" {
		code = CodeBadRequest
	}
	return &ProtocolError{Code: code, Message: r.Message, Retryable: r.Retryable}
}
