package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/apex/log"
	"github.com/fleetlink/relay/common"
	"github.com/fleetlink/relay/core"
	"github.com/klauspost/compress/gzip"
)

// FrameConsumer a client connection's view as seen by the frame pipeline
type FrameConsumer interface {
	// ID unique connection ID
	ID() string
	// WantsDecodedFrames whether frames on this topic must be decompressed
	// before delivery
	WantsDecodedFrames(topic common.TopicKey) bool
	// EnqueueFrame queue a frame for delivery. Returns the number of older
	// frames shed to make room, and the queue depth after the push.
	EnqueueFrame(topic common.TopicKey, msg *FrameMessage) (dropped int, depth int)
	// DeliverCameraControl forward a camera control payload
	DeliverCameraControl(topic common.TopicKey, payload []byte)
}

// ConsumerIndex resolves the consumers currently subscribed to a topic
type ConsumerIndex interface {
	ConsumersOf(topic common.TopicKey) []FrameConsumer
}

// FramePipeline per-frame processing between the broker and the client
// connections. Incoming frames land in the stream's latest slot before
// fan-out, so a subscriber arriving between frames can still be primed.
type FramePipeline interface {
	// OnFrame process one frame arriving from a camera stream channel
	OnFrame(ctxt context.Context, topic common.TopicKey, payload []byte)
	// OnControl process one message arriving from a camera control channel
	OnControl(ctxt context.Context, topic common.TopicKey, payload []byte)
	// GetLatest read the latest stored frame of a camera stream
	GetLatest(ctxt context.Context, topic common.TopicKey, decoded bool) (*FrameMessage, error)
	// GetAnalytics aggregate metrics of one camera stream
	GetAnalytics(vehicle, camera string) (StreamAnalytics, bool)
}

// framePipelineImpl implements FramePipeline
type framePipelineImpl struct {
	common.Component
	stateStore core.KeyValueStore
	tracker    MetricsTracker
	consumers  ConsumerIndex
}

// GetFramePipeline define a frame pipeline
func GetFramePipeline(
	stateStore core.KeyValueStore, tracker MetricsTracker, consumers ConsumerIndex,
) (FramePipeline, error) {
	logTags := log.Fields{
		"module": "vision", "component": "frame-pipeline",
	}
	return &framePipelineImpl{
		Component:  common.Component{LogTags: logTags},
		stateStore: stateStore,
		tracker:    tracker,
		consumers:  consumers,
	}, nil
}

// OnFrame process one frame arriving from a camera stream channel
func (p *framePipelineImpl) OnFrame(
	ctxt context.Context, topic common.TopicKey, payload []byte,
) {
	var envelope FrameEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf(
			"Discarding malformed frame on %s", topic,
		)
		return
	}
	if envelope.Vehicle == "" {
		envelope.Vehicle = topic.Vehicle
	}
	if envelope.Camera == "" {
		envelope.Camera = topic.Camera
	}
	publishedAt := time.Now().UTC()

	// Latest slot is written before fan-out so a reader observing the
	// delivery can never see an older stored frame
	stored, err := json.Marshal(storedFrame{FrameEnvelope: envelope, PublishedAt: publishedAt})
	if err == nil {
		err = p.stateStore.Set(
			ctxt, common.CameraLatestKey(envelope.Vehicle, envelope.Camera), stored,
		)
	}
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Warnf(
			"Unable to store latest frame of %s", topic,
		)
	}

	p.fanOutFrame(ctxt, topic, &envelope, publishedAt)
	p.touchStatus(ctxt, envelope.Vehicle, envelope.Camera, true, "frame")
}

// fanOutFrame deliver one frame to each subscribed consumer
func (p *framePipelineImpl) fanOutFrame(
	ctxt context.Context, topic common.TopicKey, envelope *FrameEnvelope, publishedAt time.Time,
) {
	targets := p.consumers.ConsumersOf(topic)

	compressed := &FrameMessage{
		Topic:       topic,
		Payload:     envelope.FrameData,
		Compressed:  true,
		Metadata:    envelope.Metadata,
		CapturedAt:  envelope.CapturedAt(),
		PublishedAt: publishedAt,
	}
	// Decompress at most once regardless of consumer count
	var decoded *FrameMessage

	totalDropped := uint64(0)
	maxDepth := 0
	for _, consumer := range targets {
		msg := compressed
		if consumer.WantsDecodedFrames(topic) {
			if decoded == nil {
				decoded = p.decodeFrame(compressed)
			}
			msg = decoded
		}
		dropped, depth := consumer.EnqueueFrame(topic, msg)
		totalDropped += uint64(dropped)
		if depth > maxDepth {
			maxDepth = depth
		}
	}

	// Ratio is recomputed from the sizes rather than trusted from the agent,
	// whose reported value may be missing or inverted
	ratio := envelope.Metadata.CompressionRatio
	if envelope.Metadata.CompressedSize > 0 {
		ratio = float64(envelope.Metadata.OriginalSize) /
			float64(envelope.Metadata.CompressedSize)
	}
	sample := MetricsSample{
		FrameNumber:      envelope.FrameNumber,
		Bytes:            len(envelope.FrameData),
		CompressionRatio: ratio,
		LatencyMS:        float64(publishedAt.Sub(envelope.CapturedAt()).Microseconds()) / 1000.0,
		QueueDepth:       maxDepth,
		RecordedAt:       publishedAt,
	}
	if err := p.tracker.RecordFrame(ctxt, envelope.Vehicle, envelope.Camera, sample); err != nil {
		log.WithError(err).WithFields(p.LogTags).Warnf(
			"Unable to record frame metrics of %s", topic,
		)
	}
	p.tracker.RecordSkipped(envelope.Vehicle, envelope.Camera, totalDropped)
}

// decodeFrame gunzip one frame's payload. On failure the compressed message
// is returned unchanged so the consumer still receives the frame.
func (p *framePipelineImpl) decodeFrame(msg *FrameMessage) *FrameMessage {
	raw, err := gunzip(msg.Payload)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Warnf(
			"Frame decompression failed on %s, delivering compressed", msg.Topic,
		)
		return msg
	}
	clone := *msg
	clone.Payload = raw
	clone.Compressed = false
	return &clone
}

func gunzip(payload []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(reader)
}

// OnControl process one message arriving from a camera control channel
func (p *framePipelineImpl) OnControl(
	ctxt context.Context, topic common.TopicKey, payload []byte,
) {
	var envelope ControlEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf(
			"Discarding malformed control message on %s", topic,
		)
		return
	}
	if envelope.Vehicle == "" {
		envelope.Vehicle = topic.Vehicle
	}
	if envelope.Camera == "" {
		envelope.Camera = topic.Camera
	}

	p.touchStatus(
		ctxt, envelope.Vehicle, envelope.Camera,
		envelope.Action != streamStopAction, envelope.Action,
	)

	for _, consumer := range p.consumers.ConsumersOf(topic) {
		consumer.DeliverCameraControl(topic, payload)
	}
}

// touchStatus upsert the stream status record consulted by the cleanup sweep
func (p *framePipelineImpl) touchStatus(
	ctxt context.Context, vehicle, camera string, active bool, action string,
) {
	status := StreamStatus{
		Vehicle:    vehicle,
		Camera:     camera,
		Active:     active,
		LastAction: action,
		LastUpdate: time.Now().UTC(),
	}
	serialized, err := json.Marshal(&status)
	if err == nil {
		err = p.stateStore.Set(ctxt, common.CameraStatusKey(vehicle, camera), serialized)
	}
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Warnf(
			"Unable to update stream status of %s/%s", vehicle, camera,
		)
	}
}

// GetLatest read the latest stored frame of a camera stream
func (p *framePipelineImpl) GetLatest(
	ctxt context.Context, topic common.TopicKey, decoded bool,
) (*FrameMessage, error) {
	if topic.Kind != common.TopicKindCamera {
		return nil, fmt.Errorf("'%s' is not a camera topic", topic)
	}
	raw, err := p.stateStore.Get(ctxt, common.CameraLatestKey(topic.Vehicle, topic.Camera))
	if err != nil {
		return nil, err
	}
	var stored storedFrame
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}
	msg := &FrameMessage{
		Topic:       topic,
		Payload:     stored.FrameData,
		Compressed:  true,
		Metadata:    stored.Metadata,
		CapturedAt:  stored.CapturedAt(),
		PublishedAt: stored.PublishedAt,
	}
	if decoded {
		msg = p.decodeFrame(msg)
	}
	return msg, nil
}

// GetAnalytics aggregate metrics of one camera stream
func (p *framePipelineImpl) GetAnalytics(vehicle, camera string) (StreamAnalytics, bool) {
	return p.tracker.Analytics(vehicle, camera)
}
