package vision

import (
	"time"

	"github.com/fleetlink/relay/common"
)

// FrameMetadata compression and capture bookkeeping attached to one frame.
// Field names match what the vehicle edge agents publish.
type FrameMetadata struct {
	Resolution       string  `json:"resolution,omitempty"`
	FPS              int     `json:"fps,omitempty"`
	Quality          int     `json:"quality,omitempty"`
	FrameNumber      uint64  `json:"frameNumber"`
	OriginalSize     int     `json:"originalSize"`
	CompressedSize   int     `json:"compressedSize"`
	CompressionRatio float64 `json:"compressionRatio"`
	Transport        string  `json:"transport,omitempty"`
}

// FrameEnvelope wire form of one compressed camera frame as published on a
// camera stream channel
type FrameEnvelope struct {
	Vehicle string `json:"droneId" validate:"required"`
	Camera  string `json:"camera" validate:"required"`
	// Timestamp capture time in milliseconds since epoch
	Timestamp   float64       `json:"timestamp"`
	FrameNumber uint64        `json:"frameNumber"`
	FrameData   []byte        `json:"frameData"`
	Metadata    FrameMetadata `json:"metadata"`
}

// CapturedAt the capture timestamp as time.Time
func (e FrameEnvelope) CapturedAt() time.Time {
	return time.UnixMilli(int64(e.Timestamp))
}

// storedFrame latest-slot record: the envelope plus relay-side publish time
type storedFrame struct {
	FrameEnvelope
	PublishedAt time.Time `json:"publishedAt"`
}

// FrameMessage one frame prepared for delivery to one client connection
type FrameMessage struct {
	Topic common.TopicKey
	// Payload frame bytes; compressed unless Compressed is false
	Payload     []byte
	Compressed  bool
	Metadata    FrameMetadata
	CapturedAt  time.Time
	PublishedAt time.Time
}

// ControlEnvelope wire form of a camera control message
type ControlEnvelope struct {
	Vehicle string `json:"droneId"`
	Camera  string `json:"camera"`
	Action  string `json:"action"`
}

// streamStopAction control action marking the end of a camera stream
const streamStopAction = "stream_stop"

// StreamStatus per-stream activity record consulted by the cleanup sweep
type StreamStatus struct {
	Vehicle    string    `json:"droneId"`
	Camera     string    `json:"camera"`
	Active     bool      `json:"active"`
	LastAction string    `json:"lastAction"`
	LastUpdate time.Time `json:"lastUpdate"`
}
