// Package testutil builds synthetic packets and pcap files for tests.
package testutil

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"Go2NetSentry/internal/model"
)

var (
	srcMAC = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	dstMAC = net.HardwareAddr{0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb}
)

// TCPPacket serializes an Ethernet/IPv4/TCP frame.
func TCPPacket(t testing.TB, src, dst string, sport, dport uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport), SYN: true, Window: 1024}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("set network layer: %v", err)
	}
	return serialize(t, ip, tcp, payload)
}

// UDPPacket serializes an Ethernet/IPv4/UDP frame.
func UDPPacket(t testing.TB, src, dst string, sport, dport uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("set network layer: %v", err)
	}
	return serialize(t, ip, udp, payload)
}

// ARPPacket serializes an Ethernet/ARP request, a frame with no IP layer.
func ARPPacket(t testing.TB) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: net.IPv4(10, 0, 0, 1).To4(),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    net.IPv4(10, 0, 0, 2).To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, arp); err != nil {
		t.Fatalf("serialize arp: %v", err)
	}
	return buf.Bytes()
}

func serialize(t testing.TB, ip *layers.IPv4, transport gopacket.SerializableLayer, payload []byte) []byte {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, transport, gopacket.Payload(payload)); err != nil {
		t.Fatalf("serialize packet: %v", err)
	}
	return buf.Bytes()
}

// Record wraps raw frame bytes in a CapturedRecord stamped with ts.
func Record(data []byte, ts time.Time) model.CapturedRecord {
	return model.CapturedRecord{
		CaptureInfo: gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)},
		Data:        data,
	}
}

// Records returns n TCP records with distinct source ports.
func Records(t testing.TB, n int) []model.CapturedRecord {
	t.Helper()
	base := time.Unix(1700000000, 0)
	out := make([]model.CapturedRecord, 0, n)
	for i := 0; i < n; i++ {
		data := TCPPacket(t, "10.0.0.1", "10.0.0.2", uint16(40000+i), 80, []byte("hello"))
		out = append(out, Record(data, base.Add(time.Duration(i)*time.Millisecond)))
	}
	return out
}

// WritePcap writes records to path as an Ethernet pcap file.
func WritePcap(t testing.TB, path string, records []model.CapturedRecord) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create pcap: %v", err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		t.Fatalf("write pcap header: %v", err)
	}
	for _, r := range records {
		if err := w.WritePacket(r.CaptureInfo, r.Data); err != nil {
			t.Fatalf("write packet: %v", err)
		}
	}
}
