package voicelog

import (
	"context"
	"log/slog"
)

// SlogSink writes entries as structured log records. It is the default sink
// when no database or bus is configured.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink returns a sink logging through l, or through slog.Default when
// l is nil.
func NewSlogSink(l *slog.Logger) *SlogSink {
	if l == nil {
		l = slog.Default()
	}
	return &SlogSink{log: l}
}

// Write implements Sink.
func (s *SlogSink) Write(ctx context.Context, e Entry) error {
	s.log.LogAttrs(ctx, slog.LevelInfo, "voice log",
		slog.String("call_id", e.CallID),
		slog.String("text", e.Text),
		slog.Time("at", e.At),
	)
	return nil
}

// Close implements Sink.
func (s *SlogSink) Close() error { return nil }
