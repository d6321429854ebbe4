package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, Options{Level: "debug"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("startup phase", "phase", "config_loaded", "proposal_id", "p-1")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	for _, key := range []string{"timestamp", "level", "msg", "component", "request_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "gate" {
		t.Fatalf("expected component=gate, got %#v", entry["component"])
	}
	if entry["proposal_id"] != "p-1" {
		t.Fatalf("expected proposal_id propagation, got %#v", entry["proposal_id"])
	}
}

func TestHandler_RedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "info"))

	logger.Info("security check",
		"api_key", "abc123",
		"policy_signature", "c2lnbmF0dXJl",
		"auth_header", "Authorization: Bearer super-secret-token",
		"intent", "remember password=hunter22",
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	for _, key := range []string{"api_key", "policy_signature", "auth_header"} {
		if entry[key] != "[REDACTED]" {
			t.Fatalf("expected %s redaction, got %#v", key, entry[key])
		}
	}
	if strings.Contains(entry["intent"].(string), "hunter22") {
		t.Fatalf("expected inline secret redaction, got %#v", entry["intent"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"unknown": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_RotatesLargeLog(t *testing.T) {
	home := t.TempDir()
	logDir := filepath.Join(home, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(logDir, "system.jsonl")
	if err := os.WriteFile(path, bytes.Repeat([]byte("x"), 64), 0o644); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	_, closer, err := NewLogger(home, Options{MaxBytes: 32})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	closer.Close()

	old, err := os.ReadFile(path + ".1")
	if err != nil || len(old) != 64 {
		t.Fatalf("rotated file = %d bytes, %v", len(old), err)
	}
	if info, err := os.Stat(path); err != nil || info.Size() != 0 {
		t.Fatalf("fresh log should be empty: %v %v", info, err)
	}

	_, closer, err = NewLogger(home, Options{MaxBytes: -1})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	closer.Close()
}
