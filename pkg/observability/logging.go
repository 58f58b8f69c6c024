// Package observability owns the process's logging, Prometheus metrics and
// optional OTLP tracing. Metrics split two ways: counters the request path
// increments directly, and router/cache statistics mirrored from the event
// bus by a collector that re-emits the latest published snapshot on scrape.
package observability

import (
	"io"
	"log/slog"
)

// NewLogger builds the process logger: JSON lines to w, filtered at level.
// Callers that want it process-wide pass it to slog.SetDefault themselves.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
