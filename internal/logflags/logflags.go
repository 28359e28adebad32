// Package logflags holds the logging flags shared by the binaries.
package logflags

import (
	"io"
	"log/slog"
)

// Flags selects the level and format of the process logger. Embed it in a
// kong command with prefix "log-".
type Flags struct {
	Level  string `enum:"debug,info,warn,error" default:"info" env:"FOTA_LOG_LEVEL" help:"Log level (${enum})."`
	Format string `enum:"text,json" default:"text" env:"FOTA_LOG_FORMAT" help:"Log format (${enum})."`
}

// Logger builds a logger writing to w.
func (f Flags) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if f.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
