package probe

import (
	"fmt"
	"log"

	"NetAnomaly/internal/model"

	"github.com/nats-io/nats.go"
)

// Publisher publishes packet events to a NATS subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// NewPublisher connects to the NATS server at url.
func NewPublisher(url, subject string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("ns-probe"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	log.Printf("Connected to NATS server at %s", url)
	return NewPublisherWithConn(nc, subject), nil
}

// NewPublisherWithConn publishes on an existing connection.
func NewPublisherWithConn(nc *nats.Conn, subject string) *Publisher {
	return &Publisher{nc: nc, subject: subject}
}

// Publish encodes ev and publishes it to the configured subject.
func (p *Publisher) Publish(ev model.PacketEvent) error {
	data, err := MarshalPacketEvent(ev)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject, data)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		log.Println("NATS connection drained and closed.")
	}
}
