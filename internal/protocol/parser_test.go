package protocol

import (
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"Go2NetSentry/internal/testutil"
)

func TestParsePacket(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	data := testutil.TCPPacket(t, "192.168.1.10", "10.0.0.5", 51000, 443, []byte("payload"))

	info, err := ParsePacket(data, layers.LinkTypeEthernet, gopacket.CaptureInfo{Timestamp: ts, Length: len(data)})
	if err != nil {
		t.Fatalf("Failed to parse packet: %v", err)
	}

	if info.FiveTuple.SrcIP.String() != "192.168.1.10" {
		t.Errorf("Unexpected source IP %s", info.FiveTuple.SrcIP)
	}
	if info.FiveTuple.DstIP.String() != "10.0.0.5" {
		t.Errorf("Unexpected destination IP %s", info.FiveTuple.DstIP)
	}
	if info.FiveTuple.SrcPort != 51000 || info.FiveTuple.DstPort != 443 {
		t.Errorf("Unexpected ports %d -> %d", info.FiveTuple.SrcPort, info.FiveTuple.DstPort)
	}
	if Label(info.FiveTuple.Protocol) != LabelTCP {
		t.Errorf("Expected TCP, got protocol %d", info.FiveTuple.Protocol)
	}
	if !info.Timestamp.Equal(ts) || info.Length != len(data) {
		t.Errorf("Capture info not carried over: %+v", info)
	}
}

func TestParsePacket_UDP(t *testing.T) {
	data := testutil.UDPPacket(t, "10.0.0.1", "8.8.8.8", 5353, 53, nil)

	info, err := ParsePacket(data, layers.LinkTypeEthernet, gopacket.CaptureInfo{})
	if err != nil {
		t.Fatalf("Failed to parse packet: %v", err)
	}
	if Label(info.FiveTuple.Protocol) != LabelUDP || info.FiveTuple.DstPort != 53 {
		t.Errorf("Unexpected tuple %+v", info.FiveTuple)
	}
	if info.Length != len(data) {
		t.Errorf("Length should fall back to the data size, got %d", info.Length)
	}
}

func TestParsePacket_NonIP(t *testing.T) {
	if _, err := ParsePacket(testutil.ARPPacket(t), layers.LinkTypeEthernet, gopacket.CaptureInfo{}); err == nil {
		t.Fatal("Expected an error for a non-IP frame")
	}
}

func TestLabel(t *testing.T) {
	cases := map[uint8]string{6: LabelTCP, 17: LabelUDP, 1: LabelICMP, 58: LabelICMP, 47: LabelOther}
	for proto, want := range cases {
		if got := Label(proto); got != want {
			t.Errorf("Label(%d) = %s, want %s", proto, got, want)
		}
	}
}
