package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/gatekeep/internal/shared"
)

// DefaultMaxBytes is the size at which system.jsonl is rotated on open.
const DefaultMaxBytes = 10 << 20

// Options controls where the gate logger writes.
type Options struct {
	Level string
	// Mirror copies records to stdout in addition to logs/system.jsonl.
	Mirror bool
	// MaxBytes rotates an existing log larger than this to system.jsonl.1
	// before opening. Zero means DefaultMaxBytes; negative disables.
	MaxBytes int64
}

// NewLogger opens logs/system.jsonl under homeDir and returns a JSON logger
// whose attributes pass through secret redaction.
func NewLogger(homeDir string, opts Options) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	if err := rotate(logFilePath, opts.MaxBytes); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if opts.Mirror {
		w = io.MultiWriter(os.Stdout, file)
	}
	logger := slog.New(NewHandler(w, opts.Level)).With("component", "gate", "request_id", "-")
	return logger, file, nil
}

// rotate keeps one previous generation of the log.
func rotate(path string, maxBytes int64) error {
	if maxBytes == 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxBytes < 0 {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() < maxBytes {
		return nil
	}
	return os.Rename(path, path+".1")
}

// NewHandler builds the redacting JSON handler used by NewLogger.
func NewHandler(w io.Writer, level string) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: replaceAttr,
	})
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, shared.RedactedPlaceholder)
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	sensitiveTokens := []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "signature"}
	for _, token := range sensitiveTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "authorization:") {
		return shared.RedactedPlaceholder, true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
