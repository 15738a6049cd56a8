// Package pcap adapts libpcap handles, live or offline, into packet sources.
package pcap

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"NetAnomaly/internal/config"
	"NetAnomaly/internal/engine/protocol"
	"NetAnomaly/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

// Reader streams parsed packet events from a pcap handle.
type Reader struct {
	handle  *pcap.Handle
	name    string
	skipped atomic.Uint64
}

// NewReader opens a pcap file for offline reading.
func NewReader(filePath string) (*Reader, error) {
	handle, err := pcap.OpenOffline(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file '%s': %w", filePath, err)
	}
	return &Reader{handle: handle, name: filePath}, nil
}

// NewLive opens the interface named in cfg for live capture and applies the
// optional BPF filter.
func NewLive(cfg config.SourceConfig) (*Reader, error) {
	if cfg.Iface == "" {
		return nil, fmt.Errorf("live capture needs an interface")
	}
	// A finite read timeout lets Stream notice cancellation on a quiet link.
	handle, err := pcap.OpenLive(cfg.Iface, cfg.SnapshotLen, cfg.Promiscuous, 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("error opening device %s: %w", cfg.Iface, err)
	}
	if cfg.BPFFilter != "" {
		if err := handle.SetBPFFilter(cfg.BPFFilter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("invalid BPF filter '%s': %w", cfg.BPFFilter, err)
		}
	}
	log.Printf("Capturing on interface %s (filter: %q)", cfg.Iface, cfg.BPFFilter)
	return &Reader{handle: handle, name: cfg.Iface}, nil
}

// Close closes the pcap handle.
func (r *Reader) Close() {
	r.handle.Close()
}

// Skipped returns how many captured packets were not IP traffic.
func (r *Reader) Skipped() uint64 { return r.skipped.Load() }

// Stream implements model.PacketSource. Packets the parser rejects are
// counted and skipped.
func (r *Reader) Stream(ctx context.Context, emit func(model.PacketEvent)) error {
	packetSource := gopacket.NewPacketSource(r.handle, r.handle.LinkType())
	packets := packetSource.Packets()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case packet, ok := <-packets:
			if !ok {
				log.Printf("Finished reading '%s' (%d non-IP packets skipped).", r.name, r.skipped.Load())
				return nil
			}
			ev, err := protocol.ParsePacket(packet)
			if err != nil {
				r.skipped.Add(1)
				continue
			}
			emit(*ev)
		}
	}
}
