package vision

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fleetlink/relay/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConsumer FrameConsumer backed by one FrameQueue
type testConsumer struct {
	id          string
	wantDecoded bool
	queue       *FrameQueue
	control     [][]byte
}

func newTestConsumer(capacity int, wantDecoded bool) *testConsumer {
	return &testConsumer{
		id:          uuid.New().String(),
		wantDecoded: wantDecoded,
		queue:       NewFrameQueue(capacity, nil),
	}
}

func (c *testConsumer) ID() string { return c.id }

func (c *testConsumer) WantsDecodedFrames(topic common.TopicKey) bool { return c.wantDecoded }

func (c *testConsumer) EnqueueFrame(topic common.TopicKey, msg *FrameMessage) (int, int) {
	dropped := c.queue.Push(msg)
	return dropped, c.queue.Len()
}

func (c *testConsumer) DeliverCameraControl(topic common.TopicKey, payload []byte) {
	c.control = append(c.control, payload)
}

// testConsumerIndex static ConsumerIndex
type testConsumerIndex struct {
	consumers map[string][]FrameConsumer
}

func (i *testConsumerIndex) ConsumersOf(topic common.TopicKey) []FrameConsumer {
	return i.consumers[topic.String()]
}

func buildFramePayload(t *testing.T, vehicle, camera string, frameNumber uint64, raw []byte) []byte {
	compressed := gzipBytes(t, raw)
	payload, err := json.Marshal(FrameEnvelope{
		Vehicle:     vehicle,
		Camera:      camera,
		Timestamp:   float64(time.Now().UnixMilli()),
		FrameNumber: frameNumber,
		FrameData:   compressed,
		Metadata: FrameMetadata{
			FrameNumber:      frameNumber,
			OriginalSize:     len(raw),
			CompressedSize:   len(compressed),
			CompressionRatio: float64(len(raw)) / float64(len(compressed)),
		},
	})
	require.Nil(t, err)
	return payload
}

func TestFramePipelineFanOut(t *testing.T) {
	assert := assert.New(t)

	topic := common.CameraTopic("drone-1", "front")
	compressedSide := newTestConsumer(3, false)
	decodedSide := newTestConsumer(3, true)
	index := &testConsumerIndex{consumers: map[string][]FrameConsumer{
		topic.String(): {compressedSide, decodedSide},
	}}

	store := newMemKVStore()
	tracker, err := GetMetricsTracker(newMemKVStore(), 10)
	assert.Nil(err)
	uut, err := GetFramePipeline(store, tracker, index)
	assert.Nil(err)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	raw := []byte("frame-pixels-frame-pixels-frame-pixels")
	uut.OnFrame(ctxt, topic, buildFramePayload(t, "drone-1", "front", 7, raw))

	// Case 0: both consumers received the frame
	compressedMsg, ok := compressedSide.queue.Pop()
	assert.True(ok)
	decodedMsg, ok := decodedSide.queue.Pop()
	assert.True(ok)

	// Case 1: payload form matches each consumer's preference
	assert.True(compressedMsg.Compressed)
	assert.False(decodedMsg.Compressed)
	assert.Equal(raw, decodedMsg.Payload)
	assert.Equal(uint64(7), compressedMsg.Metadata.FrameNumber)

	// Case 2: the latest slot was written
	latest, err := uut.GetLatest(ctxt, topic, true)
	assert.Nil(err)
	assert.Equal(raw, latest.Payload)
	assert.Equal(uint64(7), latest.Metadata.FrameNumber)

	// Case 3: frame accounted in metrics
	analytics, ok := uut.GetAnalytics("drone-1", "front")
	assert.True(ok)
	assert.Equal(uint64(1), analytics.FramesSent)

	// Case 4: the status record marks the stream active
	rawStatus, err := store.Get(ctxt, common.CameraStatusKey("drone-1", "front"))
	assert.Nil(err)
	var status StreamStatus
	require.Nil(t, json.Unmarshal(rawStatus, &status))
	assert.True(status.Active)
}

func TestFramePipelineBackpressureAccounting(t *testing.T) {
	assert := assert.New(t)

	topic := common.CameraTopic("drone-1", "front")
	slow := newTestConsumer(3, false)
	index := &testConsumerIndex{consumers: map[string][]FrameConsumer{
		topic.String(): {slow},
	}}

	tracker, err := GetMetricsTracker(newMemKVStore(), 20)
	assert.Nil(err)
	uut, err := GetFramePipeline(newMemKVStore(), tracker, index)
	assert.Nil(err)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Case 0: a burst past queue capacity is shed oldest-first and the sheds
	// show up as skipped frames
	burst := 10
	for i := 0; i < burst; i++ {
		uut.OnFrame(ctxt, topic, buildFramePayload(
			t, "drone-1", "front", uint64(i), []byte("payload"),
		))
	}
	analytics, ok := uut.GetAnalytics("drone-1", "front")
	assert.True(ok)
	assert.Equal(uint64(burst), analytics.FramesSent)
	assert.Equal(uint64(burst-3), analytics.FramesSkipped)

	// Case 1: the queue holds the most recent frames in order
	for i := burst - 3; i < burst; i++ {
		msg, ok := slow.queue.Pop()
		assert.True(ok)
		assert.Equal(uint64(i), msg.Metadata.FrameNumber)
	}
}

func TestFramePipelineMetricsSampling(t *testing.T) {
	assert := assert.New(t)

	topic := common.CameraTopic("drone-4", "rear")
	index := &testConsumerIndex{consumers: map[string][]FrameConsumer{}}

	tracker, err := GetMetricsTracker(newMemKVStore(), 10)
	assert.Nil(err)
	uut, err := GetFramePipeline(newMemKVStore(), tracker, index)
	assert.Nil(err)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	buildPayload := func(frameNumber uint64, metadata FrameMetadata) []byte {
		metadata.FrameNumber = frameNumber
		payload, err := json.Marshal(FrameEnvelope{
			Vehicle:     "drone-4",
			Camera:      "rear",
			Timestamp:   float64(time.Now().UnixMilli()),
			FrameNumber: frameNumber,
			FrameData:   gzipBytes(t, []byte("pixels-pixels-pixels")),
			Metadata:    metadata,
		})
		require.Nil(t, err)
		return payload
	}

	// Case 0: metadata carries sizes but no ratio; the recorded ratio comes
	// from the sizes
	uut.OnFrame(ctxt, topic, buildPayload(1, FrameMetadata{
		OriginalSize: 3000, CompressedSize: 1000,
	}))
	analytics, ok := uut.GetAnalytics("drone-4", "rear")
	assert.True(ok)
	assert.InDelta(3.0, analytics.AvgCompressionRatio, 1e-9)

	// Case 1: an agent-reported inverted ratio is overridden by the sizes
	uut.OnFrame(ctxt, topic, buildPayload(2, FrameMetadata{
		OriginalSize: 4000, CompressedSize: 1000, CompressionRatio: 0.25,
	}))
	analytics, ok = uut.GetAnalytics("drone-4", "rear")
	assert.True(ok)
	assert.InDelta(3.5, analytics.AvgCompressionRatio, 1e-9)

	// Case 2: frames count toward the window even with no subscribed consumers
	assert.Equal(uint64(2), analytics.FramesSent)
}

func TestFramePipelineDecompressionFallback(t *testing.T) {
	assert := assert.New(t)

	topic := common.CameraTopic("drone-2", "rear")
	decodedSide := newTestConsumer(3, true)
	index := &testConsumerIndex{consumers: map[string][]FrameConsumer{
		topic.String(): {decodedSide},
	}}

	tracker, err := GetMetricsTracker(newMemKVStore(), 10)
	assert.Nil(err)
	uut, err := GetFramePipeline(newMemKVStore(), tracker, index)
	assert.Nil(err)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Case 0: payload which is not valid gzip is delivered compressed
	payload, err := json.Marshal(FrameEnvelope{
		Vehicle: "drone-2", Camera: "rear", FrameNumber: 1,
		FrameData: []byte("not-gzip-data"),
	})
	assert.Nil(err)
	uut.OnFrame(ctxt, topic, payload)

	msg, ok := decodedSide.queue.Pop()
	assert.True(ok)
	assert.True(msg.Compressed)
	assert.Equal([]byte("not-gzip-data"), msg.Payload)

	// Case 1: malformed JSON is discarded without delivery
	uut.OnFrame(ctxt, topic, []byte("{not json"))
	assert.Equal(0, decodedSide.queue.Len())
}

func TestFramePipelineControlRelay(t *testing.T) {
	assert := assert.New(t)

	topic := common.CameraTopic("drone-1", "front")
	watcher := newTestConsumer(3, false)
	index := &testConsumerIndex{consumers: map[string][]FrameConsumer{
		topic.String(): {watcher},
	}}

	store := newMemKVStore()
	tracker, err := GetMetricsTracker(newMemKVStore(), 10)
	assert.Nil(err)
	uut, err := GetFramePipeline(store, tracker, index)
	assert.Nil(err)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Case 0: control messages are relayed verbatim
	start, err := json.Marshal(ControlEnvelope{Vehicle: "drone-1", Camera: "front", Action: "stream_start"})
	assert.Nil(err)
	uut.OnControl(ctxt, topic, start)
	assert.Len(watcher.control, 1)
	assert.Equal(start, watcher.control[0])

	rawStatus, err := store.Get(ctxt, common.CameraStatusKey("drone-1", "front"))
	assert.Nil(err)
	var status StreamStatus
	require.Nil(t, json.Unmarshal(rawStatus, &status))
	assert.True(status.Active)
	assert.Equal("stream_start", status.LastAction)

	// Case 1: stream stop flips the status record to inactive
	stop, err := json.Marshal(ControlEnvelope{Vehicle: "drone-1", Camera: "front", Action: "stream_stop"})
	assert.Nil(err)
	uut.OnControl(ctxt, topic, stop)
	rawStatus, err = store.Get(ctxt, common.CameraStatusKey("drone-1", "front"))
	assert.Nil(err)
	require.Nil(t, json.Unmarshal(rawStatus, &status))
	assert.False(status.Active)
	assert.Equal("stream_stop", status.LastAction)
}

func TestFramePipelineGetLatest(t *testing.T) {
	assert := assert.New(t)

	topic := common.CameraTopic("drone-9", "front")
	index := &testConsumerIndex{consumers: map[string][]FrameConsumer{}}

	tracker, err := GetMetricsTracker(newMemKVStore(), 10)
	assert.Nil(err)
	uut, err := GetFramePipeline(newMemKVStore(), tracker, index)
	assert.Nil(err)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Case 0: no stored frame yet
	_, err = uut.GetLatest(ctxt, topic, false)
	assert.NotNil(err)

	// Case 1: state topics are rejected
	_, err = uut.GetLatest(ctxt, common.StateTopic("drone-9"), false)
	assert.NotNil(err)

	// Case 2: stored frame is readable immediately after processing
	raw := []byte("latest-frame-bytes")
	uut.OnFrame(ctxt, topic, buildFramePayload(t, "drone-9", "front", 42, raw))
	latest, err := uut.GetLatest(ctxt, topic, false)
	assert.Nil(err)
	assert.True(latest.Compressed)
	assert.Equal(uint64(42), latest.Metadata.FrameNumber)
	decoded, err := uut.GetLatest(ctxt, topic, true)
	assert.Nil(err)
	assert.Equal(raw, decoded.Payload)
}
