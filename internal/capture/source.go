package capture

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"go.uber.org/zap"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/model"
	pcapfile "Go2NetSentry/pkg/pcap"
)

// Source produces captured records until ctx is cancelled or the source is
// exhausted. Run owns the underlying handle and releases it on return.
type Source interface {
	Run(ctx context.Context, fn func(model.CapturedRecord)) error
	LinkType() layers.LinkType
}

// SourceFactory opens a fresh source for every capture session.
type SourceFactory func() (Source, error)

// LiveSource reads packets from a network interface through libpcap.
type LiveSource struct {
	handle *pcap.Handle
	iface  string
	logger *zap.Logger
}

// OpenLive opens the configured interface. The read timeout bounds how long
// Run takes to notice a cancelled context.
func OpenLive(cfg config.CaptureConfig, logger *zap.Logger) (*LiveSource, error) {
	handle, err := pcap.OpenLive(cfg.Interface, cfg.SnapLen, cfg.Promiscuous, config.Duration(cfg.ReadTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open interface %s: %w", cfg.Interface, err)
	}
	if cfg.BPFFilter != "" {
		if err := handle.SetBPFFilter(cfg.BPFFilter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("failed to set BPF filter: %w", err)
		}
	}
	logger.Info("Opened live capture", zap.String("interface", cfg.Interface), zap.String("filter", cfg.BPFFilter))
	return &LiveSource{handle: handle, iface: cfg.Interface, logger: logger}, nil
}

// LiveFactory returns a factory opening cfg.Interface on each call.
func LiveFactory(cfg config.CaptureConfig, logger *zap.Logger) SourceFactory {
	return func() (Source, error) {
		return OpenLive(cfg, logger)
	}
}

func (s *LiveSource) LinkType() layers.LinkType {
	return s.handle.LinkType()
}

func (s *LiveSource) Run(ctx context.Context, fn func(model.CapturedRecord)) error {
	defer s.handle.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, ci, err := s.handle.ReadPacketData()
		switch {
		case err == nil:
			fn(model.CapturedRecord{CaptureInfo: ci, Data: data})
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
			continue
		case errors.Is(err, io.EOF), errors.Is(err, pcap.NextErrorNoMorePackets):
			return nil
		default:
			return fmt.Errorf("failed to read from %s: %w", s.iface, err)
		}
	}
}

// FileSource replays the packets of a capture file.
type FileSource struct {
	reader *pcapfile.Reader
}

// OpenFile opens a pcap file for replay.
func OpenFile(path string) (*FileSource, error) {
	r, err := pcapfile.NewReader(path)
	if err != nil {
		return nil, err
	}
	return &FileSource{reader: r}, nil
}

// FileFactory returns a factory replaying path from the start on each call.
func FileFactory(path string) SourceFactory {
	return func() (Source, error) {
		return OpenFile(path)
	}
}

func (s *FileSource) LinkType() layers.LinkType {
	return s.reader.LinkType()
}

func (s *FileSource) Run(ctx context.Context, fn func(model.CapturedRecord)) error {
	defer s.reader.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := s.reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		fn(rec)
	}
}
