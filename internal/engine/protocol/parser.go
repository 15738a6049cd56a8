package protocol

import (
	"fmt"
	"net"
	"time"

	"NetAnomaly/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ParsePacket decodes a captured packet into a normalized packet event.
// Non-IP packets are rejected; IP packets carrying neither TCP nor UDP become
// "OTHER" events with zero ports.
func ParsePacket(packet gopacket.Packet) (*model.PacketEvent, error) {
	ev := &model.PacketEvent{
		Timestamp: time.Now(), // Overwritten by capture metadata when available
		Length:    len(packet.Data()),
	}
	if meta := packet.Metadata(); meta != nil {
		if !meta.Timestamp.IsZero() {
			ev.Timestamp = meta.Timestamp
		}
		if meta.Length > 0 {
			ev.Length = meta.Length
		}
	}

	var src, dst net.IP
	if l := packet.Layer(layers.LayerTypeIPv4); l != nil {
		ip := l.(*layers.IPv4)
		src, dst = ip.SrcIP, ip.DstIP
	} else if l := packet.Layer(layers.LayerTypeIPv6); l != nil {
		ip := l.(*layers.IPv6)
		src, dst = ip.SrcIP, ip.DstIP
	} else {
		return nil, fmt.Errorf("not an IP packet")
	}
	ev.SrcAddr = src.String()
	ev.DstAddr = dst.String()

	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		ev.Protocol = model.ProtocolTCP.String()
		ev.SrcPort = int(tcp.SrcPort)
		ev.DstPort = int(tcp.DstPort)
		ev.FIN = tcp.FIN
		ev.RST = tcp.RST
	} else if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		ev.Protocol = model.ProtocolUDP.String()
		ev.SrcPort = int(udp.SrcPort)
		ev.DstPort = int(udp.DstPort)
	} else {
		ev.Protocol = model.ProtocolOther.String()
	}

	return ev, nil
}
