package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerUsesServiceKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, Options{Service: " stabled ", Env: "test", Level: "debug"})
	logger.Debug("engine ready", slog.String("component", "engine"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	for key, want := range map[string]string{"service": "stabled", "env": "test", "severity": "DEBUG", "message": "engine ready"} {
		if got, _ := line[key].(string); got != want {
			t.Fatalf("%s: expected %q, got %v", key, want, line[key])
		}
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("timestamp key missing: %v", line)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("%q: expected %v, got %v", in, want, got)
		}
	}
}

func TestSetupWithFileRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stabled.log")
	logger, closer := SetupWithOptions(Options{Service: "stabled", File: path})
	logger.Info("written to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Fatalf("log file missing entry: %q", data)
	}
}

func TestMaskValue(t *testing.T) {
	if MaskValue("secret") != RedactedValue || MaskValue("  ") != "  " {
		t.Fatalf("unexpected masking")
	}
	if attr := Secret("jwt_secret", "abc"); attr.Value.String() != RedactedValue {
		t.Fatalf("expected redacted attr, got %v", attr)
	}
}

func TestMaskDSN(t *testing.T) {
	cases := map[string]string{
		"postgres://stable:hunter2@db:5432/journal?sslmode=disable": "postgres://stable:[REDACTED]@db:5432/journal?sslmode=disable",
		"postgres://db:5432/journal":                                 "postgres://db:5432/journal",
		"host=db user=stable password=hunter2 dbname=journal":        "host=db user=stable password=[REDACTED] dbname=journal",
		"file:stabled-journal.db?cache=shared":                       "file:stabled-journal.db?cache=shared",
		"":                                                           "",
	}
	for in, want := range cases {
		if got := MaskDSN(in); got != want {
			t.Fatalf("MaskDSN(%q) = %q, want %q", in, got, want)
		}
	}
}
