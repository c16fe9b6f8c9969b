package model

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// CapturedRecord is a single raw packet as handed over by a capture source.
type CapturedRecord struct {
	CaptureInfo gopacket.CaptureInfo
	Data        []byte
}

// Chunk is a sealed group of captured packets materialized as one pcap file.
type Chunk struct {
	Index    uint64
	Path     string
	Packets  int
	LinkType layers.LinkType
	SealedAt time.Time
}

// ChunkName returns the canonical file name of the chunk with the given index.
func ChunkName(index uint64) string {
	return fmt.Sprintf("chunk_%06d.pcap", index)
}

// ParseChunkName returns the index encoded in a chunk file name.
func ParseChunkName(name string) (uint64, bool) {
	digits, ok := strings.CutPrefix(name, "chunk_")
	if !ok {
		return 0, false
	}
	digits, ok = strings.CutSuffix(digits, ".pcap")
	if !ok || digits == "" {
		return 0, false
	}
	index, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return index, true
}

// BatchID returns the batch identifier derived from a chunk index.
func BatchID(index uint64) string {
	return fmt.Sprintf("batch_%06d", index)
}

// ChunkSummary holds packet-level totals computed from a chunk file.
type ChunkSummary struct {
	TotalPackets         int            `json:"total_packets"`
	TotalBytes           uint64         `json:"total_bytes"`
	ProtocolDistribution map[string]int `json:"protocol_distribution"`
}

// Flow is one bidirectional flow record produced by the extraction tool.
// Features is aligned with the Columns of the FlowSet the flow belongs to;
// a nil entry marks a value that was missing or not finite.
type Flow struct {
	ID        string
	SrcIP     net.IP
	SrcPort   uint16
	DstIP     net.IP
	DstPort   uint16
	Protocol  uint8
	Timestamp time.Time
	Features  []*float64
}

// FlowSet is the complete extraction output for one chunk.
type FlowSet struct {
	Columns []string
	Flows   []Flow
}

// ModelName identifies one of the supported anomaly-detection models.
type ModelName string

const (
	ModelAutoencoder ModelName = "autoencoder"
	ModelKMeans      ModelName = "kmeans"
	ModelSVM         ModelName = "svm"
)

// DefaultModel is the model selected at startup when nothing else is configured.
const DefaultModel = ModelKMeans

// ModelNames lists every supported model in a stable order.
func ModelNames() []ModelName {
	return []ModelName{ModelAutoencoder, ModelKMeans, ModelSVM}
}

// Valid reports whether n is one of the supported models.
func (n ModelName) Valid() bool {
	switch n {
	case ModelAutoencoder, ModelKMeans, ModelSVM:
		return true
	}
	return false
}

// Batch status values.
const (
	BatchStatusOK     = "ok"
	BatchStatusFailed = "failed"
)

// Batch is the persisted outcome of processing one chunk.
type Batch struct {
	ID                   string         `json:"id"`
	ChunkIndex           uint64         `json:"chunk_index"`
	PcapPath             string         `json:"pcap_path"`
	CSVPath              string         `json:"csv_path"`
	CreatedAt            time.Time      `json:"created_at"`
	Model                ModelName      `json:"model"`
	IsAttack             bool           `json:"is_attack"`
	Status               string         `json:"status"`
	Error                string         `json:"error,omitempty"`
	FlowCount            int            `json:"flow_count"`
	AnomalousFlows       int            `json:"anomalous_flows"`
	MaxScore             float64        `json:"max_score"`
	TotalPackets         int            `json:"total_packets"`
	TotalBytes           uint64         `json:"total_bytes"`
	ProtocolDistribution map[string]int `json:"protocol_distribution"`
	Note                 string         `json:"note"`
}

// Severity levels attached to alerts.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// Alert is a persisted anomaly detection tied to a batch.
type Alert struct {
	ID         string    `json:"id"`
	BatchID    string    `json:"batch_id"`
	ChunkIndex uint64    `json:"chunk_index"`
	Severity   string    `json:"severity"`
	Timestamp  time.Time `json:"timestamp"`
	Message    string    `json:"message"`
	Model      ModelName `json:"model"`
	Score      float64   `json:"score"`
	FlowID     string    `json:"flow_id,omitempty"`
	SrcIP      string    `json:"src_ip,omitempty"`
	DstIP      string    `json:"dst_ip,omitempty"`
	DstPort    uint16    `json:"dst_port,omitempty"`
	Protocol   uint8     `json:"protocol,omitempty"`
	PcapPath   string    `json:"pcap_path"`
	CSVPath    string    `json:"csv_path"`
}
