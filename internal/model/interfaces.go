package model

import "context"

// Scorer computes the reconstruction loss of a feature vector against a learned baseline.
// Implementations must be safe for concurrent use and deterministic for a fixed model.
type Scorer interface {
	Score(ctx context.Context, v Vector) (float64, error)
}

// Observer receives dispatched flow updates. A returned error is reported by the
// dispatcher and never affects other observers or the packet stream.
type Observer interface {
	Name() string
	Notify(ctx context.Context, u Update) error
}

// PacketSource is a lazy, non-restartable producer of packet events. Stream blocks,
// calling emit for every event, until ctx is cancelled or the source is exhausted.
type PacketSource interface {
	Stream(ctx context.Context, emit func(PacketEvent)) error
}

// Notifier delivers an alert to operators, e.g. by email.
type Notifier interface {
	Send(subject, htmlBody string) error
}

// Analyzer turns a plain-text anomaly summary into a short analyst write-up.
type Analyzer interface {
	AnalyzeAnomalies(ctx context.Context, summary string) (string, error)
}
