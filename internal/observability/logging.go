// Package observability provides the shared logging and metrics plumbing:
// slog-based structured logging with secret redaction, and Prometheus
// instrumentation for LLM traffic.
package observability

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
)

var (
	loggerOnce sync.Once
	rootLogger *slog.Logger
)

// secretPatterns match credential material that must never reach logs.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{8,}`),
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{8,}`),
	regexp.MustCompile(`AIza[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`(?i)(api[_-]?key|authorization|bearer)["'\s:=]+[A-Za-z0-9._-]{12,}`),
}

// Redact replaces credential material in s with a placeholder.
func Redact(s string) string {
	for _, p := range secretPatterns {
		s = p.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

type redactingHandler struct {
	slog.Handler
}

func (h *redactingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, Redact(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a))
		return true
	})
	return h.Handler.Handle(ctx, out)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	for i, a := range attrs {
		attrs[i] = redactAttr(a)
	}
	return &redactingHandler{h.Handler.WithAttrs(attrs)}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{h.Handler.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, Redact(a.Value.String()))
	}
	return a
}

// Logger returns the process-wide root logger, creating it on first use.
// LOG_LEVEL selects the level (debug, info, warn, error); LOG_FORMAT=json
// switches to JSON output.
func Logger() *slog.Logger {
	loggerOnce.Do(func() {
		level := slog.LevelInfo
		switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
		case "debug":
			level = slog.LevelDebug
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
		opts := &slog.HandlerOptions{Level: level}
		var h slog.Handler
		if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
			h = slog.NewJSONHandler(os.Stderr, opts)
		} else {
			h = slog.NewTextHandler(os.Stderr, opts)
		}
		rootLogger = slog.New(&redactingHandler{h})
	})
	return rootLogger
}

// ComponentLogger returns a logger tagged with the component name.
func ComponentLogger(component string) *slog.Logger {
	return Logger().With("component", component)
}

// DebugLLMMessages reports whether full message payloads should be logged.
// Gated behind an explicit env var because conversations may contain
// personal data.
func DebugLLMMessages() bool {
	v := strings.ToLower(os.Getenv("DEBUG_LLM_MESSAGES"))
	return v == "1" || v == "true" || v == "yes"
}
