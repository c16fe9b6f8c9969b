// Package chunk cuts the captured packet stream into fixed-size pcap files.
package chunk

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/metrics"
	"Go2NetSentry/internal/model"
)

// Submitter receives sealed chunks. A live capture needs a Submit that
// does not block on processing.
type Submitter interface {
	Submit(chunk *model.Chunk) error
}

// Stats is a point-in-time view of the assembler counters.
type Stats struct {
	BufferSize     int       `json:"buffer_size"`
	TotalPackets   uint64    `json:"total_packets"`
	ChunksSealed   uint64    `json:"chunks_sealed"`
	NextIndex      uint64    `json:"next_index"`
	LastSealed     time.Time `json:"last_sealed"`
	SubmitFailures uint64    `json:"submit_failures"`
	WriteFailures  uint64    `json:"write_failures"`
}

// Assembler buffers captured records and seals a chunk every time the
// buffer reaches the configured size. A chunk index is assigned under the
// lock once its file is fully written, so indices are strictly increasing
// and a failed write consumes none.
type Assembler struct {
	mu        sync.Mutex
	buf       []model.CapturedRecord
	size      int
	linkType  layers.LinkType
	nextIndex uint64
	stats     Stats

	dir       string
	snapLen   uint32
	submitter Submitter
	logger    *zap.Logger
}

// NewAssembler creates an assembler writing chunk files to cfg.Dir. The
// first sealed chunk gets firstIndex, or the index after the highest chunk
// file already in cfg.Dir if that is larger.
func NewAssembler(cfg config.ChunkConfig, snapLen int32, firstIndex uint64, submitter Submitter, logger *zap.Logger) (*Assembler, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", cfg.Size)
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}
	if snapLen <= 0 {
		snapLen = 65535
	}
	logger = logger.Named("assembler")

	next, err := scanDir(cfg.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to scan chunk directory: %w", err)
	}
	if next > firstIndex {
		logger.Warn("Chunk directory holds uncommitted chunks, skipping past them",
			zap.Uint64("stored_next_index", firstIndex), zap.Uint64("next_index", next))
		firstIndex = next
	}

	return &Assembler{
		buf:       make([]model.CapturedRecord, 0, cfg.Size),
		size:      cfg.Size,
		linkType:  layers.LinkTypeEthernet,
		nextIndex: firstIndex,
		dir:       cfg.Dir,
		snapLen:   uint32(snapLen),
		submitter: submitter,
		logger:    logger,
	}, nil
}

const tmpPattern = ".chunk-*.tmp"

// scanDir returns the index after the highest chunk file in dir and removes
// temporary files left by an interrupted write.
func scanDir(dir string, logger *zap.Logger) (uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var next uint64
	for _, e := range entries {
		name := e.Name()
		if ok, _ := filepath.Match(tmpPattern, name); ok {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				logger.Warn("Failed to remove stale temporary chunk", zap.String("file", name), zap.Error(err))
			}
			continue
		}
		if index, ok := model.ParseChunkName(name); ok && index+1 > next {
			next = index + 1
		}
	}
	return next, nil
}

// SetLinkType sets the link type written into subsequent chunk headers.
func (a *Assembler) SetLinkType(lt layers.LinkType) {
	a.mu.Lock()
	a.linkType = lt
	a.mu.Unlock()
}

// Ingest appends one record. The record's data slice is retained, so the
// caller must not reuse it. When the buffer fills up the chunk is written
// and submitted outside the lock.
func (a *Assembler) Ingest(rec model.CapturedRecord) {
	a.mu.Lock()
	a.buf = append(a.buf, rec)
	a.stats.TotalPackets++
	if len(a.buf) < a.size {
		a.mu.Unlock()
		metrics.PacketsCaptured.Inc()
		return
	}
	records, lt := a.takeLocked()
	a.mu.Unlock()
	metrics.PacketsCaptured.Inc()

	_, _ = a.seal(records, lt)
}

// Flush seals the partial buffer as a short chunk. It returns nil when the
// buffer is empty.
func (a *Assembler) Flush() (*model.Chunk, error) {
	a.mu.Lock()
	if len(a.buf) == 0 {
		a.mu.Unlock()
		return nil, nil
	}
	records, lt := a.takeLocked()
	a.mu.Unlock()

	return a.seal(records, lt)
}

// Discard drops the partial buffer and returns the number of records dropped.
func (a *Assembler) Discard() int {
	a.mu.Lock()
	n := len(a.buf)
	a.buf = a.buf[:0]
	a.mu.Unlock()

	if n > 0 {
		a.logger.Info("Discarded partial buffer", zap.Int("packets", n))
	}
	return n
}

// Snapshot returns the current counters.
func (a *Assembler) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.BufferSize = len(a.buf)
	s.NextIndex = a.nextIndex
	return s
}

func (a *Assembler) takeLocked() ([]model.CapturedRecord, layers.LinkType) {
	records := a.buf
	a.buf = make([]model.CapturedRecord, 0, a.size)
	return records, a.linkType
}

func (a *Assembler) seal(records []model.CapturedRecord, lt layers.LinkType) (*model.Chunk, error) {
	c, err := a.write(records, lt)
	if err != nil {
		a.mu.Lock()
		a.stats.WriteFailures++
		a.mu.Unlock()
		metrics.ChunksDropped.WithLabelValues("write_error").Inc()
		a.logger.Error("Failed to write chunk", zap.Int("packets", len(records)), zap.Error(err))
		return nil, err
	}

	metrics.ChunksSealed.Inc()
	a.logger.Debug("Chunk sealed", zap.Uint64("chunk_index", c.Index), zap.Int("packets", c.Packets), zap.String("path", c.Path))

	if a.submitter == nil {
		return c, nil
	}
	if err := a.submitter.Submit(c); err != nil {
		a.mu.Lock()
		a.stats.SubmitFailures++
		a.mu.Unlock()
		metrics.ChunksDropped.WithLabelValues("rejected").Inc()
		a.logger.Warn("Chunk rejected by dispatcher, dropping", zap.Uint64("chunk_index", c.Index), zap.Error(err))
		return c, fmt.Errorf("failed to submit chunk %d: %w", c.Index, err)
	}
	return c, nil
}

// write stores records in a temporary file and then moves it to the path of
// the next free index. An existing chunk file is never replaced.
func (a *Assembler) write(records []model.CapturedRecord, lt layers.LinkType) (*model.Chunk, error) {
	tmp, err := a.writeTemp(records, lt)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	index := a.nextIndex
	path := filepath.Join(a.dir, model.ChunkName(index))
	for {
		_, err := os.Lstat(path)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			os.Remove(tmp)
			return nil, err
		}
		a.logger.Warn("Chunk file already exists, skipping index", zap.String("path", path))
		index++
		path = filepath.Join(a.dir, model.ChunkName(index))
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	a.nextIndex = index + 1

	c := &model.Chunk{
		Index:    index,
		Path:     path,
		Packets:  len(records),
		LinkType: lt,
		SealedAt: time.Now(),
	}
	a.stats.ChunksSealed++
	a.stats.LastSealed = c.SealedAt
	return c, nil
}

func (a *Assembler) writeTemp(records []model.CapturedRecord, lt layers.LinkType) (string, error) {
	f, err := os.CreateTemp(a.dir, tmpPattern)
	if err != nil {
		return "", err
	}
	tmp := f.Name()

	bw := bufio.NewWriter(f)
	w := pcapgo.NewWriter(bw)
	err = w.WriteFileHeader(a.snapLen, lt)
	for i := 0; err == nil && i < len(records); i++ {
		err = w.WritePacket(records[i].CaptureInfo, records[i].Data)
	}
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}
