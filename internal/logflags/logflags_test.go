package logflags

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestFlags_Logger(t *testing.T) {
	var buf bytes.Buffer
	log := Flags{Level: "warn", Format: "json"}.Logger(&buf)
	if log.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info enabled at warn level")
	}
	log.Warn("disk low", "free", 3)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not JSON: %q", buf.String())
	}
	if rec["msg"] != "disk low" || rec["free"] != float64(3) {
		t.Fatalf("record = %v", rec)
	}
}

func TestFlags_LoggerFallsBackToInfoText(t *testing.T) {
	var buf bytes.Buffer
	log := Flags{Level: "loud"}.Logger(&buf)
	if !log.Enabled(context.Background(), slog.LevelInfo) || log.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("expected info level")
	}
	log.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("text output = %q", buf.String())
	}
}
