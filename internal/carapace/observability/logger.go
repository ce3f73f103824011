// Package observability configures structured logging for the supervisor
// process and attaches per-request trace context to log lines.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/fred-drake/carapace/internal/carapace/rctx"
	"github.com/fred-drake/carapace/internal/carapace/redact"
)

// Setup configures the global slog logger according to level ("debug",
// "info", "warn", "error") and format ("json" or "text").
func Setup(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithTrace returns a child logger carrying group and session id from ctx's
// request context, when present. It falls back to the default logger for
// contexts outside a request scope (e.g. during bootstrap).
func WithTrace(ctx context.Context) *slog.Logger {
	rc, err := rctx.FromContext(ctx)
	if err != nil {
		return slog.Default()
	}
	return slog.With("group", rc.Group, "session_id", rc.SessionID)
}

// RedactMessage replaces known-sensitive values and credential-shaped
// substrings in msg before it reaches a log call.
func RedactMessage(msg string, sensitiveValues ...string) string {
	return redact.String(msg, sensitiveValues...)
}
