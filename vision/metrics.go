package vision

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/fleetlink/relay/common"
	"github.com/fleetlink/relay/core"
)

// MetricsSample one frame's performance record
type MetricsSample struct {
	FrameNumber      uint64    `json:"frame_number"`
	Bytes            int       `json:"bytes"`
	CompressionRatio float64   `json:"compression_ratio"`
	LatencyMS        float64   `json:"latency_ms"`
	QueueDepth       int       `json:"queue_depth"`
	RecordedAt       time.Time `json:"recorded_at"`
}

// StreamAnalytics aggregate view over a stream's retained metrics history.
// Averages are arithmetic means computed over the retained samples at query
// time.
type StreamAnalytics struct {
	FramesSent          uint64  `json:"frames_sent"`
	FramesSkipped       uint64  `json:"frames_skipped"`
	BytesTransferred    uint64  `json:"bytes_transferred"`
	AvgCompressionRatio float64 `json:"avg_compression_ratio"`
	AvgLatencyMS        float64 `json:"avg_latency_ms"`
	Samples             int     `json:"samples"`
}

// streamMetrics rolling record for one (vehicle, camera)
type streamMetrics struct {
	FramesSent       uint64          `json:"frames_sent"`
	FramesSkipped    uint64          `json:"frames_skipped"`
	BytesTransferred uint64          `json:"bytes_transferred"`
	History          []MetricsSample `json:"history"`
	LastUpdate       time.Time       `json:"last_update"`
}

// MetricsTracker rolling per-stream performance bookkeeping. The retained
// history is capped; persisted copies live in a TTL'd KV bucket so idle
// streams age out of the store on their own.
type MetricsTracker interface {
	// RecordFrame append a sample for one published frame
	RecordFrame(ctxt context.Context, vehicle, camera string, sample MetricsSample) error
	// RecordSkipped account frames shed by client queue backpressure
	RecordSkipped(vehicle, camera string, count uint64)
	// Analytics aggregate the retained history of one stream
	Analytics(vehicle, camera string) (StreamAnalytics, bool)
	// Forget discard all in-memory state of one stream
	Forget(vehicle, camera string)
}

// metricsTrackerImpl implements MetricsTracker
type metricsTrackerImpl struct {
	common.Component
	store         core.KeyValueStore
	lock          *sync.Mutex
	streams       map[string]*streamMetrics
	historyLength int
}

// GetMetricsTracker define a metrics tracker persisting into the given
// TTL'd KV store
func GetMetricsTracker(store core.KeyValueStore, historyLength int) (MetricsTracker, error) {
	logTags := log.Fields{
		"module": "vision", "component": "metrics-tracker",
	}
	return &metricsTrackerImpl{
		Component:     common.Component{LogTags: logTags},
		store:         store,
		lock:          &sync.Mutex{},
		streams:       make(map[string]*streamMetrics),
		historyLength: historyLength,
	}, nil
}

func streamID(vehicle, camera string) string {
	return vehicle + "/" + camera
}

// RecordFrame append a sample for one published frame
func (t *metricsTrackerImpl) RecordFrame(
	ctxt context.Context, vehicle, camera string, sample MetricsSample,
) error {
	t.lock.Lock()
	entry, ok := t.streams[streamID(vehicle, camera)]
	if !ok {
		entry = &streamMetrics{}
		t.streams[streamID(vehicle, camera)] = entry
	}
	entry.FramesSent++
	entry.BytesTransferred += uint64(sample.Bytes)
	entry.History = append(entry.History, sample)
	if len(entry.History) > t.historyLength {
		entry.History = entry.History[len(entry.History)-t.historyLength:]
	}
	entry.LastUpdate = sample.RecordedAt
	current, history := t.serializeLocked(entry)
	t.lock.Unlock()

	// Each put refreshes the key's TTL in the metrics bucket
	if err := t.store.Set(ctxt, common.CameraMetricsKey(vehicle, camera), current); err != nil {
		log.WithError(err).WithFields(t.LogTags).Warnf(
			"Unable to persist metrics of %s/%s", vehicle, camera,
		)
		return err
	}
	if err := t.store.Set(
		ctxt, common.CameraMetricsHistoryKey(vehicle, camera), history,
	); err != nil {
		log.WithError(err).WithFields(t.LogTags).Warnf(
			"Unable to persist metrics history of %s/%s", vehicle, camera,
		)
		return err
	}
	return nil
}

// serializeLocked must be called with the lock held
func (t *metricsTrackerImpl) serializeLocked(entry *streamMetrics) ([]byte, []byte) {
	current, err := json.Marshal(entry)
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Error("Metrics serialization failed")
	}
	history, err := json.Marshal(entry.History)
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Error("Metrics history serialization failed")
	}
	return current, history
}

// RecordSkipped account frames shed by client queue backpressure
func (t *metricsTrackerImpl) RecordSkipped(vehicle, camera string, count uint64) {
	if count == 0 {
		return
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	entry, ok := t.streams[streamID(vehicle, camera)]
	if !ok {
		entry = &streamMetrics{}
		t.streams[streamID(vehicle, camera)] = entry
	}
	entry.FramesSkipped += count
}

// Analytics aggregate the retained history of one stream
func (t *metricsTrackerImpl) Analytics(vehicle, camera string) (StreamAnalytics, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	entry, ok := t.streams[streamID(vehicle, camera)]
	if !ok {
		return StreamAnalytics{}, false
	}
	result := StreamAnalytics{
		FramesSent:       entry.FramesSent,
		FramesSkipped:    entry.FramesSkipped,
		BytesTransferred: entry.BytesTransferred,
		Samples:          len(entry.History),
	}
	if len(entry.History) > 0 {
		var ratioSum, latencySum float64
		for _, sample := range entry.History {
			ratioSum += sample.CompressionRatio
			latencySum += sample.LatencyMS
		}
		result.AvgCompressionRatio = ratioSum / float64(len(entry.History))
		result.AvgLatencyMS = latencySum / float64(len(entry.History))
	}
	return result, true
}

// Forget discard all in-memory state of one stream
func (t *metricsTrackerImpl) Forget(vehicle, camera string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	delete(t.streams, streamID(vehicle, camera))
}
