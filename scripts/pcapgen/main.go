// pcapgen writes a synthetic capture for trying out `ns-sentry analyze`:
// background client/server traffic with an optional port scan burst mixed in.
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

var (
	clientMAC = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	serverMAC = net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA}
)

type generator struct {
	w    *pcapgo.Writer
	rnd  *rand.Rand
	now  time.Time
	opts gopacket.SerializeOptions
}

func main() {
	outputFile := flag.String("o", "test.pcap", "Output pcap file path")
	packetCount := flag.Int("c", 10000, "Number of background packets to generate")
	scanPorts := flag.Int("scan", 0, "Number of ports hit by a SYN scan burst (0 disables it)")
	scanAt := flag.Float64("scan-at", 0.5, "Position of the scan burst in the capture, 0..1")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	pcapWriter := pcapgo.NewWriter(f)
	if err := pcapWriter.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		log.Fatalf("Failed to write pcap header: %v", err)
	}

	g := &generator{
		w:    pcapWriter,
		rnd:  rand.New(rand.NewSource(*seed)),
		now:  time.Now().Add(-time.Hour),
		opts: gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true},
	}

	log.Printf("Generating %d packets into %s...", *packetCount, *outputFile)
	burst := int(float64(*packetCount) * *scanAt)
	for i := 0; i < *packetCount; i++ {
		if i == burst && *scanPorts > 0 {
			g.scan(*scanPorts)
		}
		if (i+1)%100000 == 0 {
			log.Printf("Generated %d packets...", i+1)
		}
		g.background()
	}

	log.Printf("Successfully generated %d packets into %s.", *packetCount, *outputFile)
}

// background emits one packet of a small set of long-lived client sessions.
func (g *generator) background() {
	client := net.IP{192, 168, 1, byte(10 + g.rnd.Intn(20))}
	server := net.IP{10, 0, 0, byte(1 + g.rnd.Intn(4))}
	ip := &layers.IPv4{Version: 4, TTL: 64, SrcIP: client, DstIP: server}
	payload := make([]byte, g.rnd.Intn(1400)+50)
	g.rnd.Read(payload)

	if g.rnd.Intn(5) == 0 {
		ip.Protocol = layers.IPProtocolUDP
		udp := &layers.UDP{SrcPort: layers.UDPPort(30000 + g.rnd.Intn(100)), DstPort: 53}
		udp.SetNetworkLayerForChecksum(ip)
		g.write(ip, udp, payload[:g.rnd.Intn(200)+20])
		return
	}
	ip.Protocol = layers.IPProtocolTCP
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(40000 + g.rnd.Intn(200)),
		DstPort: []layers.TCPPort{80, 443, 22}[g.rnd.Intn(3)],
		Seq:     g.rnd.Uint32(),
		Ack:     g.rnd.Uint32(),
		ACK:     true,
		PSH:     true,
		Window:  14600,
	}
	tcp.SetNetworkLayerForChecksum(ip)
	g.write(ip, tcp, payload)
}

// scan emits one SYN per destination port from a single source.
func (g *generator) scan(ports int) {
	log.Printf("Injecting SYN scan over %d ports", ports)
	attacker := net.IP{203, 0, 113, 66}
	target := net.IP{10, 0, 0, 1}
	for p := 1; p <= ports; p++ {
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: attacker, DstIP: target}
		tcp := &layers.TCP{SrcPort: 55555, DstPort: layers.TCPPort(p), Seq: g.rnd.Uint32(), SYN: true, Window: 1024}
		tcp.SetNetworkLayerForChecksum(ip)
		g.write(ip, tcp, nil)
	}
}

func (g *generator) write(ip *layers.IPv4, transport gopacket.SerializableLayer, payload []byte) {
	eth := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: serverMAC, EthernetType: layers.EthernetTypeIPv4}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, g.opts, eth, ip, transport, gopacket.Payload(payload)); err != nil {
		log.Fatalf("Failed to serialize layers: %v", err)
	}

	g.now = g.now.Add(time.Duration(200+g.rnd.Intn(2000)) * time.Microsecond)
	ci := gopacket.CaptureInfo{
		Timestamp:     g.now,
		CaptureLength: len(buf.Bytes()),
		Length:        len(buf.Bytes()),
	}
	if err := g.w.WritePacket(ci, buf.Bytes()); err != nil {
		log.Fatalf("Failed to write packet: %v", err)
	}
}
