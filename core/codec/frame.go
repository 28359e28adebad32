package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// Delimiter terminates every JSON line on the wire.
	Delimiter = '\n'

	// MaxLineLength bounds a single control or header line.
	MaxLineLength = 4096

	// maxBlankLines is how many empty lines ReadFrame skips before giving up.
	maxBlankLines = 8
)

var (
	ErrLineTooLong     = errors.New("line exceeds maximum length")
	ErrPayloadTooLarge = errors.New("chunk payload exceeds limit")
	ErrUnknownFrame    = errors.New("line is neither a chunk header nor a response")
)

// Source is the blocking receive side of a link. ReceiveUntil returns the
// bytes up to but excluding delim; ReceiveN returns exactly n bytes. Both
// fail with a timeout error if the deadline passes first.
type Source interface {
	ReceiveUntil(delim byte, timeout time.Duration) ([]byte, error)
	ReceiveN(n int, timeout time.Duration) ([]byte, error)
}

// Frame is one server-to-device message: either a control response or a
// chunk header followed by its raw payload.
type Frame struct {
	Response *Response
	Header   *ChunkHeader
	Payload  []byte
}

// IsChunk reports whether the frame carries chunk data.
func (f *Frame) IsChunk() bool { return f.Header != nil }

// lineKind tells the two line kinds apart without decoding twice into the
// wrong shape.
type lineKind struct {
	Size   *int   `json:"s"`
	Status Status `json:"status"`
}

// ReadFrame reads the next frame from src. For a chunk header line it then
// reads exactly header.s raw bytes, whatever they contain, before returning.
// maxPayload bounds the length prefix; zero means MaxChunkPayload.
func ReadFrame(src Source, timeout time.Duration, maxPayload int) (*Frame, error) {
	if maxPayload <= 0 {
		maxPayload = MaxChunkPayload
	}

	var line []byte
	for blank := 0; ; blank++ {
		raw, err := src.ReceiveUntil(Delimiter, timeout)
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(raw)
		if len(line) > 0 {
			break
		}
		if blank >= maxBlankLines {
			return nil, fmt.Errorf("%w: only blank lines", ErrUnknownFrame)
		}
	}
	if len(line) > MaxLineLength {
		return nil, ErrLineTooLong
	}

	var p lineKind
	if err := json.Unmarshal(line, &p); err != nil {
		return nil, fmt.Errorf("decoding frame line: %w", err)
	}

	switch {
	case p.Size != nil:
		var h ChunkHeader
		if err := json.Unmarshal(line, &h); err != nil {
			return nil, fmt.Errorf("decoding chunk header: %w", err)
		}
		if h.Size < 0 || h.Size > maxPayload {
			return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.Size, maxPayload)
		}
		payload := []byte{}
		if h.Size > 0 {
			var err error
			payload, err = src.ReceiveN(h.Size, timeout)
			if err != nil {
				return nil, fmt.Errorf("reading chunk payload: %w", err)
			}
		}
		return &Frame{Header: &h, Payload: payload}, nil
	case p.Status != "":
		var r Response
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		return &Frame{Response: &r}, nil
	default:
		return nil, ErrUnknownFrame
	}
}

// ReadLine reads one delimiter-terminated line from r, without the
// delimiter or a trailing carriage return. Lines longer than max are
// consumed and rejected with ErrLineTooLong so the stream stays in sync.
func ReadLine(r *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		frag, err := r.ReadSlice(Delimiter)
		if !tooLong {
			if len(line)+len(frag) > max+1 {
				tooLong = true
				line = nil
			} else {
				line = append(line, frag...)
			}
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 && !tooLong {
			return bytes.TrimRight(line, "\r"), nil
		}
		return nil, err
	}
	if tooLong {
		return nil, ErrLineTooLong
	}
	line = bytes.TrimSuffix(line, []byte{Delimiter})
	return bytes.TrimRight(line, "\r"), nil
}

// WriteMessage encodes v as a single JSON line.
func WriteMessage(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	b = append(b, Delimiter)
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// WriteChunk writes a sealed header line followed by the raw payload.
// h.Size must equal len(payload).
func WriteChunk(w io.Writer, h *ChunkHeader, payload []byte) error {
	if h.Size != len(payload) {
		return fmt.Errorf("header size %d does not match payload length %d", h.Size, len(payload))
	}
	b, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encoding chunk header: %w", err)
	}
	buf := make([]byte, 0, len(b)+1+len(payload))
	buf = append(buf, b...)
	buf = append(buf, Delimiter)
	buf = append(buf, payload...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing chunk: %w", err)
	}
	return nil
}
