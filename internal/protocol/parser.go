package protocol

import (
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// FiveTuple represents the 5-tuple of a network packet.
type FiveTuple struct {
	SrcIP    net.IP
	DstIP    net.IP
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// PacketInfo holds the metadata extracted from a single packet.
type PacketInfo struct {
	Timestamp time.Time
	FiveTuple FiveTuple
	Length    int
}

// Protocol labels used in chunk summaries.
const (
	LabelTCP   = "TCP"
	LabelUDP   = "UDP"
	LabelICMP  = "ICMP"
	LabelOther = "OTHER"
)

// ParsePacket uses gopacket to decode a raw packet and extract key information.
// Packets without an IP layer are rejected; ports stay zero for anything that
// is neither TCP nor UDP.
func ParsePacket(data []byte, linkType layers.LinkType, ci gopacket.CaptureInfo) (*PacketInfo, error) {
	packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	info := &PacketInfo{
		Timestamp: ci.Timestamp,
		Length:    ci.Length,
	}
	if info.Length == 0 {
		info.Length = len(data)
	}

	var fiveTuple FiveTuple
	if l := packet.Layer(layers.LayerTypeIPv4); l != nil {
		ip := l.(*layers.IPv4)
		fiveTuple.SrcIP = ip.SrcIP
		fiveTuple.DstIP = ip.DstIP
		fiveTuple.Protocol = uint8(ip.Protocol)
	} else if l := packet.Layer(layers.LayerTypeIPv6); l != nil {
		ip := l.(*layers.IPv6)
		fiveTuple.SrcIP = ip.SrcIP
		fiveTuple.DstIP = ip.DstIP
		fiveTuple.Protocol = uint8(ip.NextHeader)
	} else {
		return nil, fmt.Errorf("not an IP packet")
	}

	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		fiveTuple.SrcPort = uint16(tcp.SrcPort)
		fiveTuple.DstPort = uint16(tcp.DstPort)
	} else if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		fiveTuple.SrcPort = uint16(udp.SrcPort)
		fiveTuple.DstPort = uint16(udp.DstPort)
	}

	info.FiveTuple = fiveTuple
	return info, nil
}

// Label maps an IP protocol number to its summary label.
func Label(proto uint8) string {
	switch layers.IPProtocol(proto) {
	case layers.IPProtocolTCP:
		return LabelTCP
	case layers.IPProtocolUDP:
		return LabelUDP
	case layers.IPProtocolICMPv4, layers.IPProtocolICMPv6:
		return LabelICMP
	}
	return LabelOther
}
