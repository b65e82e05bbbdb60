package safeshell

import (
	"io"
	"log/slog"
)

// NewLogger builds a structured logger writing JSON records to w at the
// given level, matching the slog usage found throughout the example
// corpus's CLI entry points rather than a bespoke logging format.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// errorLogAttrs renders a *Error as structured slog attributes for
// consistent logging across call sites.
func errorLogAttrs(err *Error) []any {
	attrs := []any{"kind", string(err.Kind), "message", err.Message}

	if err.BlockedCommand != "" {
		attrs = append(attrs, "blocked_command", err.BlockedCommand)
	}

	if err.BlockedHost != "" {
		attrs = append(attrs, "blocked_host", err.BlockedHost)
	}

	return attrs
}
