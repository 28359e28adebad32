package codec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrHeaderCRC is returned when a chunk header's self-checksum does not match.
var ErrHeaderCRC = errors.New("chunk header CRC mismatch")

// ChunkHeader precedes every chunk payload on the wire. Field names are kept
// to one or two letters to fit narrow links.
type ChunkHeader struct {
	Size       int    `json:"s"`  // payload bytes that follow the header line
	Offset     int64  `json:"o"`  // artifact offset of the first byte
	DataCRC    uint16 `json:"c"`  // CRC16 of the uncompressed bytes
	Compressed uint8  `json:"f"`  // 1 when the payload is zlib-compressed
	Progress   int    `json:"p"`  // percent complete after this chunk
	ChunkID    int    `json:"id"` // chunk sequence number within the session
	HeaderCRC  uint16 `json:"h"`
}

// headerFields mirrors ChunkHeader without h. Its JSON encoding is the
// canonical form that h covers; field order is significant.
type headerFields struct {
	Size       int    `json:"s"`
	Offset     int64  `json:"o"`
	DataCRC    uint16 `json:"c"`
	Compressed uint8  `json:"f"`
	Progress   int    `json:"p"`
	ChunkID    int    `json:"id"`
}

// Canonical returns the encoding covered by HeaderCRC.
func (h *ChunkHeader) Canonical() []byte {
	b, _ := json.Marshal(headerFields{
		Size:       h.Size,
		Offset:     h.Offset,
		DataCRC:    h.DataCRC,
		Compressed: h.Compressed,
		Progress:   h.Progress,
		ChunkID:    h.ChunkID,
	})
	return b
}

// Seal computes and stores HeaderCRC.
func (h *ChunkHeader) Seal() {
	h.HeaderCRC = CRC16(h.Canonical())
}

// Check verifies HeaderCRC and basic field sanity.
func (h *ChunkHeader) Check() error {
	if got := CRC16(h.Canonical()); got != h.HeaderCRC {
		return fmt.Errorf("%w: got 0x%04X, header says 0x%04X", ErrHeaderCRC, got, h.HeaderCRC)
	}
	if h.Size < 0 || h.Offset < 0 {
		return fmt.Errorf("invalid chunk header: size=%d offset=%d", h.Size, h.Offset)
	}
	return nil
}

// IsCompressed reports whether the payload needs decompressing.
func (h *ChunkHeader) IsCompressed() bool { return h.Compressed == 1 }

// Percent computes integer progress after a chunk ending at end.
func Percent(end, total int64) int {
	if total <= 0 {
		return 100
	}
	return int(end * 100 / total)
}
