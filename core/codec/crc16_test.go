package codec

import (
	"testing"
)

func TestCRC16(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint16
	}{
		{
			name:     "empty data",
			data:     []byte{},
			expected: 0x0000,
		},
		{
			name:     "reference vector",
			data:     []byte("123456789"),
			expected: 0xBB3D,
		},
		{
			name:     "single byte 0x01",
			data:     []byte{0x01},
			expected: 0xC0C1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CRC16(tt.data)
			if result != tt.expected {
				t.Errorf("CRC16(%v) = %04x, want %04x", tt.data, result, tt.expected)
			}
		})
	}
}

func TestUpdateCRC16_Split(t *testing.T) {
	data := []byte("firmware chunk split across two reads")
	whole := CRC16(data)

	for split := 0; split <= len(data); split++ {
		crc := UpdateCRC16(0, data[:split])
		crc = UpdateCRC16(crc, data[split:])
		if crc != whole {
			t.Fatalf("split at %d: got %04x, want %04x", split, crc, whole)
		}
	}
}

func TestCRC16_DetectsSingleBitFlip(t *testing.T) {
	data := []byte{0x10, 0x20, 0x30, 0x40, 0x0A, 0x50}
	orig := CRC16(data)
	for i := range data {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), data...)
			flipped[i] ^= 1 << bit
			if CRC16(flipped) == orig {
				t.Errorf("flip of byte %d bit %d not detected", i, bit)
			}
		}
	}
}

func TestValidateCRC16(t *testing.T) {
	data := []byte("test data")
	checksum := CRC16(data)

	if !ValidateCRC16(data, checksum) {
		t.Error("ValidateCRC16 should return true for correct checksum")
	}

	if ValidateCRC16(data, checksum+1) {
		t.Error("ValidateCRC16 should return false for incorrect checksum")
	}
}
