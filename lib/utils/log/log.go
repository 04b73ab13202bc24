// Package log provides helpers for constructing the per-package structured
// loggers used across the gateway.
package log

import (
	"context"
	"io"
	"log/slog"
)

// NewPackageLogger creates a [slog.Logger] with the provided key value pairs
// applied to every message. Packages declare a single package-level logger:
//
//	var logger = logutils.NewPackageLogger(cask.ComponentKey, cask.ComponentObjects)
func NewPackageLogger(args ...any) *slog.Logger {
	return slog.With(args...)
}

// DiscardLogger is a logger that drops all messages, used in tests that do
// not assert on log output.
var DiscardLogger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))

// WithError is a convenience helper to attach an error attribute the same
// way everywhere.
func WithError(err error) slog.Attr {
	return slog.Any("error", err)
}

// DebugEnabled reports whether the default logger emits debug messages,
// used to skip expensive argument construction.
func DebugEnabled(ctx context.Context, logger *slog.Logger) bool {
	return logger.Handler().Enabled(ctx, slog.LevelDebug)
}
