package model

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Protocol is the transport protocol part of a flow key.
type Protocol uint8

const (
	ProtocolOther Protocol = iota
	ProtocolTCP
	ProtocolUDP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	default:
		return "OTHER"
	}
}

// ParseProtocol maps the capture-side protocol name to a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TCP":
		return ProtocolTCP, nil
	case "UDP":
		return ProtocolUDP, nil
	case "OTHER":
		return ProtocolOther, nil
	default:
		return ProtocolOther, fmt.Errorf("unknown transport protocol %q", s)
	}
}

// PacketEvent is a normalized packet as handed over by a capture collaborator.
// Header parsing has already happened; only the 5-tuple, the length and the
// TCP teardown flags are carried.
type PacketEvent struct {
	Timestamp time.Time
	SrcAddr   string
	DstAddr   string
	SrcPort   int
	DstPort   int
	Protocol  string
	Length    int

	// TCP teardown flags, false for anything but TCP.
	FIN bool
	RST bool
}

// Key validates the event and builds the FlowKey in the packet's own orientation.
// Any missing or unparseable field yields an error wrapping ErrMalformedPacket.
func (ev PacketEvent) Key() (FlowKey, error) {
	if ev.Timestamp.IsZero() {
		return FlowKey{}, fmt.Errorf("%w: missing timestamp", ErrMalformedPacket)
	}
	if ev.Length < 0 {
		return FlowKey{}, fmt.Errorf("%w: negative length %d", ErrMalformedPacket, ev.Length)
	}
	src, err := netip.ParseAddr(strings.TrimSpace(ev.SrcAddr))
	if err != nil {
		return FlowKey{}, fmt.Errorf("%w: source address: %v", ErrMalformedPacket, err)
	}
	dst, err := netip.ParseAddr(strings.TrimSpace(ev.DstAddr))
	if err != nil {
		return FlowKey{}, fmt.Errorf("%w: destination address: %v", ErrMalformedPacket, err)
	}
	if !validPort(ev.SrcPort) || !validPort(ev.DstPort) {
		return FlowKey{}, fmt.Errorf("%w: port out of range (%d, %d)", ErrMalformedPacket, ev.SrcPort, ev.DstPort)
	}
	proto, err := ParseProtocol(ev.Protocol)
	if err != nil {
		return FlowKey{}, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return FlowKey{
		SrcAddr:  src.Unmap(),
		DstAddr:  dst.Unmap(),
		SrcPort:  uint16(ev.SrcPort),
		DstPort:  uint16(ev.DstPort),
		Protocol: proto,
	}, nil
}

func validPort(p int) bool {
	return p >= 0 && p <= 0xFFFF
}

// FlowKey identifies a flow. It is comparable and used directly as a map key.
type FlowKey struct {
	SrcAddr  netip.Addr
	DstAddr  netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol Protocol
}

// Reverse returns the key of the opposite direction: swapped endpoints, same protocol.
func (k FlowKey) Reverse() FlowKey {
	return FlowKey{
		SrcAddr:  k.DstAddr,
		DstAddr:  k.SrcAddr,
		SrcPort:  k.DstPort,
		DstPort:  k.SrcPort,
		Protocol: k.Protocol,
	}
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s->%s/%s",
		netip.AddrPortFrom(k.SrcAddr, k.SrcPort),
		netip.AddrPortFrom(k.DstAddr, k.DstPort),
		k.Protocol)
}

// FlowState is the lifecycle state of a flow record.
type FlowState uint8

const (
	FlowActive FlowState = iota
	FlowClosing
	FlowExpired
)

func (s FlowState) String() string {
	switch s {
	case FlowActive:
		return "ACTIVE"
	case FlowClosing:
		return "CLOSING"
	case FlowExpired:
		return "EXPIRED"
	default:
		return fmt.Sprintf("FlowState(%d)", uint8(s))
	}
}

// FlowRecord is the aggregate of every packet seen for one canonical FlowKey.
// The endpoint fields always hold the canonical (first-seen) orientation.
// Values handed out by the flow table are copies.
type FlowRecord struct {
	SrcAddr  netip.Addr
	DstAddr  netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol Protocol

	BytesSent       uint64
	PacketsSent     uint64
	BytesReceived   uint64
	PacketsReceived uint64

	StartTime    time.Time
	LastSeenTime time.Time
	State        FlowState

	// Seq is the number of packets applied to this record; it increases by
	// exactly one per update and orders updates of the same flow.
	Seq uint64
}

// Key returns the canonical key the record is stored under.
func (r FlowRecord) Key() FlowKey {
	return FlowKey{
		SrcAddr:  r.SrcAddr,
		DstAddr:  r.DstAddr,
		SrcPort:  r.SrcPort,
		DstPort:  r.DstPort,
		Protocol: r.Protocol,
	}
}

// Duration is the time between the first and the most recent packet.
func (r FlowRecord) Duration() time.Duration {
	return r.LastSeenTime.Sub(r.StartTime)
}

// Packets is the total number of packets in both directions.
func (r FlowRecord) Packets() uint64 {
	return r.PacketsSent + r.PacketsReceived
}

// FlowEntry pairs a canonical key with a record copy. Used for snapshots.
type FlowEntry struct {
	Key    FlowKey
	Record FlowRecord
}
