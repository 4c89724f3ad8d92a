// Package events carries per-request records to wherever the process wants them.
package events

import (
	"context"
	"log/slog"

	"openai-proxy-go/internal/model"
)

// Sink receives one RequestEvent per inbound request. Implementations must be
// safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, ev model.RequestEvent)
}

// LogSink writes events as structured slog records.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Record implements Sink. Server-side failures are logged at WARN so they
// stand out from normal traffic.
func (s *LogSink) Record(ctx context.Context, ev model.RequestEvent) {
	level := slog.LevelInfo
	if ev.Status >= 500 {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "request",
		slog.Time("timestamp", ev.Time),
		slog.String("method", ev.Method),
		slog.String("path", ev.Path),
		slog.String("client_ip", ev.ClientIP),
		slog.Int("status", ev.Status),
		slog.Int64("duration_ms", ev.Duration.Milliseconds()),
		slog.String("outcome", string(ev.Outcome)),
		slog.String("request_id", ev.RequestID),
		slog.Int64("bytes_out", ev.BytesOut),
	)
}

// Fanout delivers each event to every sink in order.
type Fanout []Sink

// Record implements Sink.
func (f Fanout) Record(ctx context.Context, ev model.RequestEvent) {
	for _, s := range f {
		s.Record(ctx, ev)
	}
}
