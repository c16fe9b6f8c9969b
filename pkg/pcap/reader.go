package pcap

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"Go2NetSentry/internal/model"
	"Go2NetSentry/internal/protocol"
)

// Reader reads packets from a pcap file.
type Reader struct {
	file   *os.File
	reader *pcapgo.Reader
}

// NewReader creates a new pcap reader for the given file path.
func NewReader(filePath string) (*Reader, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pcap header of %s: %w", filePath, err)
	}
	return &Reader{file: f, reader: r}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// LinkType returns the link type recorded in the file header.
func (r *Reader) LinkType() layers.LinkType {
	return r.reader.LinkType()
}

// Next returns the next packet in the file, or io.EOF once it is exhausted.
func (r *Reader) Next() (model.CapturedRecord, error) {
	data, ci, err := r.reader.ReadPacketData()
	if err != nil {
		return model.CapturedRecord{}, err
	}
	return model.CapturedRecord{CaptureInfo: ci, Data: data}, nil
}

// ReadPackets reads all packets from the pcap file and hands each parsed
// PacketInfo to fn. Packets that carry no IP layer are passed as nil so
// callers can still count them.
func (r *Reader) ReadPackets(fn func(rec model.CapturedRecord, info *protocol.PacketInfo)) error {
	linkType := r.LinkType()
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		info, err := protocol.ParsePacket(rec.Data, linkType, rec.CaptureInfo)
		if err != nil {
			info = nil
		}
		fn(rec, info)
	}
}

// Summarize computes packet totals and the protocol distribution of a chunk file.
func Summarize(filePath string) (model.ChunkSummary, error) {
	summary := model.ChunkSummary{ProtocolDistribution: make(map[string]int)}

	r, err := NewReader(filePath)
	if err != nil {
		return summary, err
	}
	defer r.Close()

	err = r.ReadPackets(func(rec model.CapturedRecord, info *protocol.PacketInfo) {
		summary.TotalPackets++
		label := protocol.LabelOther
		if info != nil {
			label = protocol.Label(info.FiveTuple.Protocol)
			summary.TotalBytes += uint64(info.Length)
		} else {
			length := rec.CaptureInfo.Length
			if length == 0 {
				length = len(rec.Data)
			}
			summary.TotalBytes += uint64(length)
		}
		summary.ProtocolDistribution[label]++
	})
	if err != nil {
		return summary, fmt.Errorf("failed to read %s: %w", filePath, err)
	}
	return summary, nil
}
