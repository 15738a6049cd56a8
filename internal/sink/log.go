// Package sink holds the observers the detector registers with the dispatcher.
package sink

import (
	"context"
	"log"

	"NetAnomaly/internal/model"
)

// LogSink prints updates, one line each. It is the display observer.
type LogSink struct {
	logger        *log.Logger
	anomaliesOnly bool
}

// NewLogSink creates a LogSink writing to logger, or to the standard logger when nil.
func NewLogSink(logger *log.Logger, anomaliesOnly bool) *LogSink {
	if logger == nil {
		logger = log.Default()
	}
	return &LogSink{logger: logger, anomaliesOnly: anomaliesOnly}
}

// Name implements model.Observer.
func (s *LogSink) Name() string { return "log" }

// Notify implements model.Observer.
func (s *LogSink) Notify(_ context.Context, u model.Update) error {
	switch {
	case u.ScoreErr != nil:
		s.logger.Printf("[SCORING FAILED] %s: %v", u, u.ScoreErr)
	case u.IsAnomaly():
		s.logger.Printf("[ANOMALY] %s bytes=%d/%d packets=%d/%d", u,
			u.Record.BytesSent, u.Record.BytesReceived, u.Record.PacketsSent, u.Record.PacketsReceived)
	case !s.anomaliesOnly:
		s.logger.Printf("[FLOW] %s", u)
	}
	return nil
}
