package protocol

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func buildPacket(t *testing.T, transport ...gopacket.SerializableLayer) gopacket.Packet {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		SrcIP:    net.IPv4(192, 168, 0, 1),
		DstIP:    net.IPv4(8, 8, 8, 8),
		Protocol: layers.IPProtocolTCP,
	}
	for _, l := range transport {
		switch tl := l.(type) {
		case *layers.TCP:
			tl.SetNetworkLayerForChecksum(ip)
		case *layers.UDP:
			ip.Protocol = layers.IPProtocolUDP
			tl.SetNetworkLayerForChecksum(ip)
		case *layers.ICMPv4:
			ip.Protocol = layers.IPProtocolICMPv4
		}
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	all := append([]gopacket.SerializableLayer{eth, ip}, transport...)
	if err := gopacket.SerializeLayers(buf, opts, all...); err != nil {
		t.Fatalf("Failed to serialize packet: %v", err)
	}
	packet := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
	packet.Metadata().Timestamp = time.Unix(1700000000, 0)
	packet.Metadata().Length = len(buf.Bytes())
	packet.Metadata().CaptureLength = len(buf.Bytes())
	return packet
}

func TestParsePacketTCP(t *testing.T) {
	packet := buildPacket(t, &layers.TCP{SrcPort: 51234, DstPort: 443, FIN: true, ACK: true})

	ev, err := ParsePacket(packet)
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}
	if ev.SrcAddr != "192.168.0.1" || ev.DstAddr != "8.8.8.8" {
		t.Errorf("Unexpected addresses %s -> %s", ev.SrcAddr, ev.DstAddr)
	}
	if ev.Protocol != "TCP" || ev.SrcPort != 51234 || ev.DstPort != 443 {
		t.Errorf("Unexpected transport fields: %+v", ev)
	}
	if !ev.FIN || ev.RST {
		t.Errorf("Expected FIN set and RST clear, got FIN=%v RST=%v", ev.FIN, ev.RST)
	}
	if !ev.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("Expected capture timestamp, got %s", ev.Timestamp)
	}
	if ev.Length != len(packet.Data()) {
		t.Errorf("Expected length %d, got %d", len(packet.Data()), ev.Length)
	}
	if _, err := ev.Key(); err != nil {
		t.Errorf("Parsed event should produce a valid key: %v", err)
	}
}

func TestParsePacketUDP(t *testing.T) {
	packet := buildPacket(t, &layers.UDP{SrcPort: 5353, DstPort: 53}, gopacket.Payload([]byte("query")))

	ev, err := ParsePacket(packet)
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}
	if ev.Protocol != "UDP" || ev.SrcPort != 5353 || ev.DstPort != 53 {
		t.Errorf("Unexpected transport fields: %+v", ev)
	}
}

func TestParsePacketOther(t *testing.T) {
	packet := buildPacket(t, &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)})

	ev, err := ParsePacket(packet)
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}
	if ev.Protocol != "OTHER" || ev.SrcPort != 0 || ev.DstPort != 0 {
		t.Errorf("Expected OTHER with zero ports, got %+v", ev)
	}
}

func TestParsePacketNonIP(t *testing.T) {
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0, 1, 2, 3, 4, 5},
		SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{10, 0, 0, 2},
	}
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeARP,
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp); err != nil {
		t.Fatalf("Failed to serialize ARP: %v", err)
	}
	packet := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
	if _, err := ParsePacket(packet); err == nil {
		t.Error("Expected an error for a non-IP packet")
	}
}
