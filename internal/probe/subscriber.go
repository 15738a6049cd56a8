package probe

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"NetAnomaly/internal/model"

	"github.com/nats-io/nats.go"
)

// Subscriber consumes packet events published by remote probes. It is a
// model.PacketSource.
type Subscriber struct {
	nc        *nats.Conn
	subject   string
	bufSize   int
	malformed atomic.Uint64
}

// NewSubscriber connects to the NATS server at url.
func NewSubscriber(url, subject string, bufSize int) (*Subscriber, error) {
	nc, err := nats.Connect(url, nats.Name("ns-detector"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	log.Printf("Connected to NATS server at %s", url)
	if bufSize <= 0 {
		bufSize = 4096
	}
	return &Subscriber{nc: nc, subject: subject, bufSize: bufSize}, nil
}

// Malformed returns how many messages could not be decoded.
func (s *Subscriber) Malformed() uint64 { return s.malformed.Load() }

// Stream subscribes to the subject and emits every decoded event until ctx
// is cancelled.
func (s *Subscriber) Stream(ctx context.Context, emit func(model.PacketEvent)) error {
	msgs := make(chan *nats.Msg, s.bufSize)
	sub, err := s.nc.ChanSubscribe(s.subject, msgs)
	if err != nil {
		return fmt.Errorf("failed to subscribe to '%s': %w", s.subject, err)
	}
	defer sub.Unsubscribe()
	log.Printf("Subscribed to '%s'. Waiting for messages...", s.subject)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgs:
			ev, err := UnmarshalPacketEvent(msg.Data)
			if err != nil {
				if s.malformed.Add(1)%1000 == 1 {
					log.Printf("Error decoding packet event: %v", err)
				}
				continue
			}
			emit(ev)
		}
	}
}

// Close closes the NATS connection.
func (s *Subscriber) Close() {
	if s.nc != nil {
		s.nc.Close()
		log.Println("NATS connection closed.")
	}
}
