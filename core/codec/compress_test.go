package codec

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func TestCompress_RoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("firmware image text section "), 64)

	out, ok, err := Compress(data, DefaultMinCompressionSavings)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("repetitive data should compress")
	}
	if len(out) >= len(data) {
		t.Fatalf("compressed %d bytes into %d", len(data), len(out))
	}

	back, err := Decompress(out, len(data))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(back, data) {
		t.Error("round trip changed the data")
	}
	if CRC16(back) != CRC16(data) {
		t.Error("CRC of decompressed bytes differs")
	}
}

func TestCompress_IncompressibleFallsBack(t *testing.T) {
	data := make([]byte, 1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	out, ok, err := Compress(data, DefaultMinCompressionSavings)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("random data should not meet the savings threshold")
	}
	if !bytes.Equal(out, data) {
		t.Error("fallback should return the original bytes")
	}
}

func TestCompress_Empty(t *testing.T) {
	out, ok, err := Compress(nil, DefaultMinCompressionSavings)
	if err != nil || ok || len(out) != 0 {
		t.Errorf("Compress(nil) = %v, %v, %v", out, ok, err)
	}
}

func TestDecompress_Limit(t *testing.T) {
	data := bytes.Repeat([]byte{0}, 4096)
	out, ok, _ := Compress(data, 0)
	if !ok {
		t.Fatal("zeros should compress")
	}
	if _, err := Decompress(out, 1024); !errors.Is(err, ErrDecompressedTooLarge) {
		t.Errorf("expected ErrDecompressedTooLarge, got %v", err)
	}
}

func TestDecompress_Garbage(t *testing.T) {
	if _, err := Decompress([]byte("not zlib"), 1024); err == nil {
		t.Error("expected error for non-zlib input")
	}
}
