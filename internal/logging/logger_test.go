package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"seelevel/internal/config"
)

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "json", slog.LevelInfo, true)

	logger.Debug("hidden")
	logger.Info("tank reading", "volume", 10)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if rec["msg"] != "tank reading" || rec["volume"] != float64(10) {
		t.Errorf("record = %v", rec)
	}
}

func TestNewLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "text", slog.LevelDebug, true)
	logger.Debug("cycle", "devices", 3)

	out := buf.String()
	if !strings.Contains(out, "cycle") || !strings.Contains(out, "devices=3") {
		t.Errorf("text output = %q", out)
	}
	if strings.Contains(out, "\033[") {
		t.Errorf("text output contains ANSI codes with NoColor: %q", out)
	}
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	logger, closeFn, err := New(config.Log{Level: "info", Format: "json", File: path}, "test", "seelevel")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("hello")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), `"app":"seelevel"`) {
		t.Errorf("log file = %q, want app attribute", b)
	}
}

func TestNew_BadLevel(t *testing.T) {
	if _, _, err := New(config.Log{Level: "chatty"}, "test", "seelevel"); err == nil {
		t.Fatalf("New() error = nil, want invalid level")
	}
}
