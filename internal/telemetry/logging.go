package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/vietdev99/claude-mem-sub001/internal/shared"
)

// NewLogger writes JSON logs to <home>/logs/system.jsonl, and to stderr too
// unless quiet. Records logged with a context pick up its trace, session and
// item ids.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer
	if quiet {
		w = file
	} else {
		w = io.MultiWriter(os.Stderr, file)
	}
	return NewWriterLogger(w, level), file, nil
}

// NewWriterLogger builds the same logger over an arbitrary writer.
func NewWriterLogger(w io.Writer, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: replaceAttr,
	})
	return slog.New(&contextHandler{inner: handler}).With("component", "runtime")
}

// maxValueBytes caps string attributes. Tool output captured from a
// conversation can run to megabytes and would otherwise land in every error
// line about its item.
const maxValueBytes = 2048

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, redactedMarker)
	}
	if a.Value.Kind() != slog.KindString {
		return a
	}
	v := a.Value.String()
	if redacted, ok := redactStringValue(v); ok {
		return slog.String(a.Key, redacted)
	}
	if len(v) > maxValueBytes {
		return slog.String(a.Key, truncateValue(v))
	}
	return a
}

func truncateValue(v string) string {
	cut := maxValueBytes
	for cut > 0 && !utf8.RuneStart(v[cut]) {
		cut--
	}
	return fmt.Sprintf("%s...(%d bytes)", v[:cut], len(v))
}

// contextHandler stamps every record with the trace id from its context, and
// with session/item ids when present.
type contextHandler struct {
	inner slog.Handler
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.AddAttrs(slog.String("trace_id", shared.TraceID(ctx)))
	if sid := shared.SessionID(ctx); sid != 0 {
		r.AddAttrs(slog.Int64("session_id", sid))
	}
	if iid := shared.ItemID(ctx); iid != 0 {
		r.AddAttrs(slog.Int64("item_id", iid))
	}
	return h.inner.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{inner: h.inner.WithGroup(name)}
}

const redactedMarker = "[REDACTED]"

var sensitiveKeyParts = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// redactStringValue masks whole values that carry an auth header and
// delegates inline secrets to shared.Redact.
func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return redactedMarker, true
	}
	if redacted := shared.Redact(v); redacted != v {
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
