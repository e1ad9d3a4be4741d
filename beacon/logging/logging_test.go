package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "warning": slog.LevelWarn,
		"error": slog.LevelError, "": slog.LevelInfo, "verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFileSinkJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beacon.log")
	log, closeFn, err := New(Options{Level: "warn", Sink: "file:" + path, Format: "json"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("dropped")
	log.Warn("sync_failed", "state", "SIGNATURE")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record, got %d: %s", len(lines), b)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("record is not JSON: %v", err)
	}
	if rec["msg"] != "sync_failed" || rec["state"] != "SIGNATURE" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestRejectsUnknownSinkAndFormat(t *testing.T) {
	if _, _, err := New(Options{Sink: "syslog"}); err == nil {
		t.Fatal("expected error for unknown sink")
	}
	if _, _, err := New(Options{Sink: "discard", Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
