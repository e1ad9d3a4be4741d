// Package logging builds the slog logger used across the engine.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options selects the level, sink and format of a logger.
type Options struct {
	// Level is debug, info, warn or error. Empty means info.
	Level string
	// Sink is stdout, stderr, discard or file:<path>. Empty means stderr.
	Sink string
	// Format is text or json. Empty means text.
	Format string
}

// ParseLevel maps a level name to a slog.Level. Unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a logger and a function that closes its sink.
func New(opts Options) (*slog.Logger, func() error, error) {
	w, closer, err := openSink(opts.Sink)
	if err != nil {
		return nil, nil, err
	}
	ho := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text":
		h = slog.NewTextHandler(w, ho)
	case "json":
		h = slog.NewJSONHandler(w, ho)
	default:
		_ = closer()
		return nil, nil, fmt.Errorf("logging: unknown format %q", opts.Format)
	}
	return slog.New(h), closer, nil
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func openSink(sink string) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	switch s := strings.TrimSpace(sink); {
	case s == "" || s == "stderr":
		return os.Stderr, noop, nil
	case s == "stdout":
		return os.Stdout, noop, nil
	case s == "discard":
		return io.Discard, noop, nil
	case strings.HasPrefix(s, "file:"):
		path := strings.TrimPrefix(s, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: open log file: %w", err)
		}
		return f, f.Close, nil
	default:
		return nil, nil, fmt.Errorf("logging: unknown sink %q", sink)
	}
}
