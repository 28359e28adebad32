package dedupe

import (
	"testing"
)

func TestHasSeen_NewMessage(t *testing.T) {
	d := New()
	if d.HasSeen([]byte{0x01, 0x02, 0x03}) {
		t.Error("new message should not be marked as seen")
	}
}

func TestHasSeen_Duplicate(t *testing.T) {
	d := New()
	msg := []byte(`{"name":"fw","version":"1.1.0"}`)

	d.HasSeen(msg) // first time
	if !d.HasSeen(msg) {
		t.Error("duplicate message should be marked as seen")
	}
}

func TestHasSeen_DifferentContent(t *testing.T) {
	d := New()
	d.HasSeen([]byte{0x01, 0x02, 0x03})
	if d.HasSeen([]byte{0x04, 0x05, 0x06}) {
		t.Error("different message should not be marked as seen")
	}
}

func TestHasSeen_EmptyBufferDoesNotMatchZeroHash(t *testing.T) {
	d := NewWithCapacity(4)
	for i := range 100 {
		msg := []byte{byte(i), byte(i >> 8)}
		if d.HasSeen(msg) {
			t.Fatalf("message %d reported as seen in a fresh filter", i)
		}
		d.Clear()
	}
}

func TestHasSeen_CircularOverwrite(t *testing.T) {
	d := NewWithCapacity(4)

	for i := range 4 {
		d.HasSeen([]byte{byte(i)})
	}

	// The first entry should still be seen
	if !d.HasSeen([]byte{0x00}) {
		t.Error("first entry should still be in table")
	}

	// Add more entries to overwrite the oldest
	for i := range 5 {
		d.HasSeen([]byte{byte(i + 10)})
	}

	if d.HasSeen([]byte{0x00}) {
		t.Error("evicted entry should not be marked as seen")
	}
}

func TestClear(t *testing.T) {
	d := New()
	msg := []byte{0x01}
	d.HasSeen(msg)

	d.Clear()

	if d.HasSeen(msg) {
		t.Error("message should not be seen after clear")
	}
}

func TestNewWithCapacity_ClampsToOne(t *testing.T) {
	d := NewWithCapacity(0)
	if d.HasSeen([]byte("a")) {
		t.Fatal("fresh filter saw a message")
	}
	if !d.HasSeen([]byte("a")) {
		t.Fatal("single-slot filter forgot its only message")
	}
	if d.HasSeen([]byte("b")) {
		t.Fatal("b should be new")
	}
	if d.HasSeen([]byte("a")) {
		t.Fatal("a should have been evicted by b")
	}
}

func TestHash_Deterministic(t *testing.T) {
	if Hash([]byte("x")) != Hash([]byte("x")) {
		t.Error("hash of equal input differs")
	}
	if Hash([]byte("x")) == Hash([]byte("y")) {
		t.Error("hash of different input collides")
	}
}
