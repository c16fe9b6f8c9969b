package model

import "time"

// EventKind names one of the notification streams pushed to live clients.
type EventKind string

const (
	EventCaptureStatus  EventKind = "capture_status"
	EventPacketCount    EventKind = "packet_count"
	EventIntrusionAlert EventKind = "intrusion_alert"
)

// Event is a single notification. Payload is one of CaptureStatus,
// PacketCount or Alert depending on Kind.
type Event struct {
	Kind      EventKind   `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// CaptureStatus is published on every capture session transition.
type CaptureStatus struct {
	IsCapturing  bool   `json:"is_capturing"`
	BufferSize   int    `json:"buffer_size"`
	TotalPackets uint64 `json:"total_packets"`
}

// PacketCount is published after every committed batch.
type PacketCount struct {
	TotalPackets uint64 `json:"total_packets"`
	ChunkIndex   uint64 `json:"chunk_index"`
	BatchID      string `json:"batch_id"`
	Status       string `json:"status"`
}
