package features

import (
	"math"
	"net/netip"
	"testing"
	"time"

	"NetAnomaly/internal/model"
)

func sampleRecord() model.FlowRecord {
	start := time.Unix(1700000000, 0)
	return model.FlowRecord{
		SrcAddr:         netip.MustParseAddr("192.168.1.10"),
		DstAddr:         netip.MustParseAddr("10.0.0.1"),
		SrcPort:         60238,
		DstPort:         443,
		Protocol:        model.ProtocolTCP,
		BytesSent:       4719,
		BytesReceived:   1200,
		PacketsSent:     12,
		PacketsReceived: 7,
		StartTime:       start,
		LastSeenTime:    start.Add(1500 * time.Millisecond),
	}
}

func TestExtract(t *testing.T) {
	v := Extract(sampleRecord())
	want := model.Vector{3232235786, 167772161, 60238, 443, 1, 4719, 1200, 12, 7, 1.5}
	if v != want {
		t.Errorf("Unexpected vector:\n got  %v\n want %v", v, want)
	}
}

func TestExtractIsPure(t *testing.T) {
	r := sampleRecord()
	a, b := Extract(r), Extract(r)
	for i := range a {
		if math.Float64bits(a[i]) != math.Float64bits(b[i]) {
			t.Fatalf("Feature %s differs between calls: %v vs %v", model.FeatureNames[i], a[i], b[i])
		}
	}
}

func TestProtocolCode(t *testing.T) {
	cases := map[model.Protocol]float64{
		model.ProtocolTCP:   1,
		model.ProtocolUDP:   2,
		model.ProtocolOther: 0,
	}
	for p, want := range cases {
		if got := ProtocolCode(p); got != want {
			t.Errorf("ProtocolCode(%s) = %v, want %v", p, got, want)
		}
	}
}

func TestAddrValue(t *testing.T) {
	if got := AddrValue(netip.MustParseAddr("255.255.255.255")); got != math.MaxUint32 {
		t.Errorf("Expected max uint32, got %v", got)
	}
	if got := AddrValue(netip.MustParseAddr("::ffff:0.0.1.0")); got != 256 {
		t.Errorf("Expected IPv4-mapped address to encode as IPv4, got %v", got)
	}
	if got := AddrValue(netip.MustParseAddr("2001:db8::1")); got != 0 {
		t.Errorf("Expected IPv6 to encode as 0, got %v", got)
	}
	if got := AddrValue(netip.Addr{}); got != 0 {
		t.Errorf("Expected the zero address to encode as 0, got %v", got)
	}
}
