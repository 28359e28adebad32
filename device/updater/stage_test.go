package updater

import (
	"bytes"
	"errors"
	"testing"
)

func TestStage_FlushesWhenFull(t *testing.T) {
	var sunk [][]byte
	s := newStage(4, func(p []byte) error {
		sunk = append(sunk, append([]byte(nil), p...))
		return nil
	})

	if err := s.write([]byte("abcdefghij")); err != nil {
		t.Fatal(err)
	}
	if len(sunk) != 2 || string(sunk[0]) != "abcd" || string(sunk[1]) != "efgh" {
		t.Fatalf("sunk = %q", sunk)
	}
	if s.committed != 8 || s.end() != 10 {
		t.Fatalf("committed=%d end=%d", s.committed, s.end())
	}
	if err := s.flush(); err != nil {
		t.Fatal(err)
	}
	if got := bytes.Join(sunk, nil); string(got) != "abcdefghij" {
		t.Fatalf("sunk = %q", got)
	}
	// Flushing an empty buffer does nothing.
	if err := s.flush(); err != nil || len(sunk) != 3 {
		t.Fatalf("flush on empty: %v, %d sinks", err, len(sunk))
	}
}

func TestStage_Rewind(t *testing.T) {
	s := newStage(8, func([]byte) error { return nil })
	_ = s.write([]byte("0123456789")) // 8 committed, 2 staged

	tests := []struct {
		offset int64
		ok     bool
	}{
		{11, false}, // beyond what was received
		{7, false},  // already in flash
		{10, true},
		{9, true},
		{8, true},
	}
	for _, tt := range tests {
		if got := s.rewind(tt.offset); got != tt.ok {
			t.Errorf("rewind(%d) = %v, want %v", tt.offset, got, tt.ok)
		}
	}
	if s.end() != 8 {
		t.Fatalf("end = %d after rewinding to 8", s.end())
	}
}

func TestStage_SinkError(t *testing.T) {
	boom := errors.New("boom")
	s := newStage(2, func([]byte) error { return boom })
	if err := s.write([]byte("abc")); !errors.Is(err, boom) {
		t.Fatalf("write = %v", err)
	}
	if s.committed != 0 {
		t.Fatalf("committed = %d after failed sink", s.committed)
	}
}
