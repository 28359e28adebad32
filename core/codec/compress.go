package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

const (
	// MaxChunkPayload bounds any chunk payload a reader will accept.
	MaxChunkPayload = 64 * 1024

	// DefaultMinCompressionSavings is the fraction of bytes compression has
	// to save before a compressed payload is sent.
	DefaultMinCompressionSavings = 0.10
)

var ErrDecompressedTooLarge = errors.New("decompressed chunk exceeds limit")

// Compress deflates data in zlib format. ok is false, and out is data
// itself, when the result does not save at least minSavings of the input.
func Compress(data []byte, minSavings float64) (out []byte, ok bool, err error) {
	if len(data) == 0 {
		return data, false, nil
	}
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, false, fmt.Errorf("creating zlib writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return nil, false, fmt.Errorf("compressing chunk: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, false, fmt.Errorf("compressing chunk: %w", err)
	}
	limit := float64(len(data)) * (1 - minSavings)
	if float64(buf.Len()) > limit {
		return data, false, nil
	}
	return buf.Bytes(), true, nil
}

// Decompress inflates a zlib payload, refusing to produce more than limit
// bytes.
func Decompress(data []byte, limit int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening zlib stream: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("decompressing chunk: %w", err)
	}
	if len(out) > limit {
		return nil, ErrDecompressedTooLarge
	}
	return out, nil
}
