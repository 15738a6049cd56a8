package sink

import (
	"context"
	"fmt"
	"log"
	"time"

	"NetAnomaly/internal/model"
	"NetAnomaly/internal/probe"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes anomalies to a NATS subject for downstream consumers.
type NATSSink struct {
	nc      *nats.Conn
	subject string
	now     func() time.Time
}

// NewNATSSink connects to the NATS server at url.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("ns-detector-anomalies"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	log.Printf("Publishing anomalies to NATS subject '%s' at %s", subject, url)
	return &NATSSink{nc: nc, subject: subject, now: time.Now}, nil
}

// Name implements model.Observer.
func (s *NATSSink) Name() string { return "nats" }

// Notify implements model.Observer. Only anomalies are published.
func (s *NATSSink) Notify(_ context.Context, u model.Update) error {
	if !u.IsAnomaly() {
		return nil
	}
	data, err := probe.MarshalAnomaly(model.NewAnomaly(u, s.now()))
	if err != nil {
		return err
	}
	return s.nc.Publish(s.subject, data)
}

// Close drains the connection.
func (s *NATSSink) Close() error {
	return s.nc.Drain()
}
