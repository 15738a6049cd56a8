// Package features derives the fixed-order numeric feature vector of a flow.
package features

import (
	"encoding/binary"
	"net/netip"

	"NetAnomaly/internal/model"
)

// Extract maps a flow record to its feature vector:
//
//	[src_addr, dst_addr, src_port, dst_port, protocol,
//	 bytes_sent, bytes_received, packets_sent, packets_received, duration]
//
// Addresses are encoded as their 32-bit big-endian integer value. Only IPv4
// has such an encoding; IPv6 addresses map to 0. Duration is in seconds.
func Extract(r model.FlowRecord) model.Vector {
	return model.Vector{
		AddrValue(r.SrcAddr),
		AddrValue(r.DstAddr),
		float64(r.SrcPort),
		float64(r.DstPort),
		ProtocolCode(r.Protocol),
		float64(r.BytesSent),
		float64(r.BytesReceived),
		float64(r.PacketsSent),
		float64(r.PacketsReceived),
		r.Duration().Seconds(),
	}
}

// AddrValue returns the numeric value of an IPv4 address, or 0 for anything else.
func AddrValue(a netip.Addr) float64 {
	a = a.Unmap()
	if !a.Is4() {
		return 0
	}
	b := a.As4()
	return float64(binary.BigEndian.Uint32(b[:]))
}

// ProtocolCode is 1 for TCP, 2 for UDP and 0 otherwise.
func ProtocolCode(p model.Protocol) float64 {
	switch p {
	case model.ProtocolTCP:
		return 1
	case model.ProtocolUDP:
		return 2
	default:
		return 0
	}
}
