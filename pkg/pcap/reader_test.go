package pcap

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"Go2NetSentry/internal/model"
	"Go2NetSentry/internal/testutil"
)

func writeSample(t *testing.T) (string, int) {
	t.Helper()
	ts := time.Unix(1700000000, 0)
	records := []model.CapturedRecord{
		testutil.Record(testutil.TCPPacket(t, "10.0.0.1", "10.0.0.2", 40000, 80, []byte("a")), ts),
		testutil.Record(testutil.TCPPacket(t, "10.0.0.2", "10.0.0.1", 80, 40000, []byte("b")), ts),
		testutil.Record(testutil.UDPPacket(t, "10.0.0.1", "10.0.0.53", 5353, 53, nil), ts),
		testutil.Record(testutil.ARPPacket(t), ts),
	}
	total := 0
	for _, r := range records {
		total += len(r.Data)
	}
	path := filepath.Join(t.TempDir(), "sample.pcap")
	testutil.WritePcap(t, path, records)
	return path, total
}

func TestReader_Next(t *testing.T) {
	path, _ := writeSample(t)

	reader, err := NewReader(path)
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}
	defer reader.Close()

	count := 0
	for {
		_, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		count++
	}

	if count != 4 {
		t.Errorf("Expected to read 4 packets, but got %d", count)
	}
}

func TestSummarize(t *testing.T) {
	path, totalBytes := writeSample(t)

	summary, err := Summarize(path)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if summary.TotalPackets != 4 {
		t.Errorf("Expected 4 packets, got %d", summary.TotalPackets)
	}
	if summary.TotalBytes != uint64(totalBytes) {
		t.Errorf("Expected %d bytes, got %d", totalBytes, summary.TotalBytes)
	}
	want := map[string]int{"TCP": 2, "UDP": 1, "OTHER": 1}
	for k, v := range want {
		if summary.ProtocolDistribution[k] != v {
			t.Errorf("Protocol %s: expected %d, got %d", k, v, summary.ProtocolDistribution[k])
		}
	}
}

func TestNewReader_NotPcap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.pcap")
	if err := os.WriteFile(path, []byte("definitely not a pcap"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewReader(path); err == nil {
		t.Fatal("Expected an error for a file without a pcap header")
	}
}
