// ns-pcapgen writes a synthetic capture for replaying through ns-detector.
// Background traffic is a set of short request/response TCP and UDP flows;
// with -burst a single flow additionally carries a large one-way transfer.
package main

import (
	"flag"
	"log"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

type endpoint struct {
	ip   net.IP
	port uint16
}

type generator struct {
	w   *pcapgo.Writer
	r   *rand.Rand
	now time.Time
	n   int
}

func main() {
	outputFile := flag.String("o", "test.pcap", "Output pcap file path")
	flowCount := flag.Int("flows", 200, "Number of background flows")
	burst := flag.Int("burst", 0, "Packets in the injected bulk-transfer flow (0 disables it)")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		log.Fatalf("Failed to write pcap header: %v", err)
	}

	g := &generator{w: w, r: rand.New(rand.NewSource(*seed)), now: time.Now()}
	log.Printf("Generating %d background flows into %s...", *flowCount, *outputFile)

	for i := 0; i < *flowCount; i++ {
		client := endpoint{net.IPv4(10, 0, byte(g.r.Intn(4)), byte(1+g.r.Intn(250))), uint16(1024 + g.r.Intn(60000))}
		proto := layers.IPProtocolTCP
		server := endpoint{net.IPv4(192, 168, 1, byte(1+g.r.Intn(20))), []uint16{80, 443, 8080}[g.r.Intn(3)]}
		if g.r.Intn(4) == 0 {
			proto = layers.IPProtocolUDP
			server.port = 53
		}
		exchanges := 1 + g.r.Intn(5)
		for j := 0; j < exchanges; j++ {
			g.write(client, server, proto, 60+g.r.Intn(200))
			g.write(server, client, proto, 200+g.r.Intn(1200))
		}
	}

	if *burst > 0 {
		src := endpoint{net.IPv4(10, 9, 9, 9), 40000}
		dst := endpoint{net.IPv4(203, 0, 113, 7), 4444}
		log.Printf("Injecting bulk transfer %s:%d -> %s:%d (%d packets)", src.ip, src.port, dst.ip, dst.port, *burst)
		for i := 0; i < *burst; i++ {
			g.write(src, dst, layers.IPProtocolTCP, 1400)
		}
	}

	log.Printf("Successfully generated %d packets into %s.", g.n, *outputFile)
}

func (g *generator) write(src, dst endpoint, proto layers.IPProtocol, payloadSize int) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		SrcIP:    src.ip.To4(),
		DstIP:    dst.ip.To4(),
		Version:  4,
		TTL:      64,
		Protocol: proto,
	}
	payload := make([]byte, payloadSize)
	g.r.Read(payload)

	var transport gopacket.SerializableLayer
	switch proto {
	case layers.IPProtocolUDP:
		udp := &layers.UDP{SrcPort: layers.UDPPort(src.port), DstPort: layers.UDPPort(dst.port)}
		udp.SetNetworkLayerForChecksum(ip)
		transport = udp
	default:
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(src.port),
			DstPort: layers.TCPPort(dst.port),
			Seq:     g.r.Uint32(),
			ACK:     true,
			PSH:     true,
			Window:  14600,
		}
		tcp.SetNetworkLayerForChecksum(ip)
		transport = tcp
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, transport, gopacket.Payload(payload)); err != nil {
		log.Fatalf("Failed to serialize layers: %v", err)
	}

	g.now = g.now.Add(time.Duration(1+g.r.Intn(20)) * time.Millisecond)
	ci := gopacket.CaptureInfo{
		Timestamp:     g.now,
		CaptureLength: len(buf.Bytes()),
		Length:        len(buf.Bytes()),
	}
	if err := g.w.WritePacket(ci, buf.Bytes()); err != nil {
		log.Fatalf("Failed to write packet: %v", err)
	}
	g.n++
}
