package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		err  bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "DEBUG", want: slog.LevelDebug},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "loud", want: slog.LevelInfo, err: true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Fatalf("ParseLevel(%q)=%v,%v", tt.in, got, err)
		}
	}
}

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warning", "json")
	logger.Info("hidden")
	logger.Warn("shown", "run_id", "r1")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one json line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "shown" || line["run_id"] != "r1" {
		t.Fatalf("unexpected line: %v", line)
	}
}

func TestConfigFromEnvRejectsFormat(t *testing.T) {
	t.Setenv("RUNS_LOG_FORMAT", "xml")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCaptureCollectsEntries(t *testing.T) {
	var forwarded bytes.Buffer
	capture := NewCapture("fn", slog.LevelInfo, slog.NewJSONHandler(&forwarded, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger := slog.New(capture).With("run_id", "u1")
	logger.Debug("hidden")
	logger.Info("started", "step", 2)
	logger.WithGroup("db").Warn("slow", "ms", 30)

	entries := capture.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %v", entries)
	}
	if entries[0]["message"] != "started" || entries[0]["level"] != "info" || entries[0]["run_id"] != "u1" || entries[0]["name"] != "fn" {
		t.Fatalf("entry = %v", entries[0])
	}
	if entries[1]["level"] != "warning" || entries[1]["db.ms"] == nil {
		t.Fatalf("entry = %v", entries[1])
	}
	raw, err := capture.JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil || len(decoded) != 2 {
		t.Fatalf("decoded = %v, %v", decoded, err)
	}
	if !bytes.Contains(forwarded.Bytes(), []byte("hidden")) {
		t.Fatalf("debug record not forwarded")
	}
}
