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

// StreamJanitor periodic sweep removing the stored artifacts of camera
// streams which stopped or went quiet
type StreamJanitor interface {
	// Start begin the periodic sweep
	Start(interval time.Duration) error
	// Stop stop the periodic sweep
	Stop() error
	// SweepOnce run one sweep pass over all known stream status records
	SweepOnce(ctxt context.Context) error
}

// streamJanitorImpl implements StreamJanitor
type streamJanitorImpl struct {
	common.Component
	stateStore        core.KeyValueStore
	metricsStore      core.KeyValueStore
	tracker           MetricsTracker
	inactiveThreshold time.Duration
	timer             common.IntervalTimer
	rootContext       context.Context
	now               func() time.Time
}

// GetStreamJanitor define a stream janitor
func GetStreamJanitor(
	stateStore core.KeyValueStore,
	metricsStore core.KeyValueStore,
	tracker MetricsTracker,
	inactiveThreshold time.Duration,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (StreamJanitor, error) {
	logTags := log.Fields{
		"module": "vision", "component": "stream-janitor",
	}
	timer, err := common.GetIntervalTimerInstance("stream-janitor", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	return &streamJanitorImpl{
		Component:         common.Component{LogTags: logTags},
		stateStore:        stateStore,
		metricsStore:      metricsStore,
		tracker:           tracker,
		inactiveThreshold: inactiveThreshold,
		timer:             timer,
		rootContext:       rootCtxt,
		now:               func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start begin the periodic sweep
func (j *streamJanitorImpl) Start(interval time.Duration) error {
	return j.timer.Start(interval, func() error {
		return j.SweepOnce(j.rootContext)
	}, false)
}

// Stop stop the periodic sweep
func (j *streamJanitorImpl) Stop() error {
	return j.timer.Stop()
}

// SweepOnce run one sweep pass over all known stream status records
func (j *streamJanitorImpl) SweepOnce(ctxt context.Context) error {
	keys, err := j.stateStore.Keys(ctxt, "camera:")
	if err != nil {
		log.WithError(err).WithFields(j.LogTags).Error("Status key listing failed")
		return err
	}
	cutoff := j.now().Add(-j.inactiveThreshold)
	for _, key := range keys {
		vehicle, camera, err := common.ParseStatusKey(key)
		if err != nil {
			// Latest-frame keys share the "camera:" prefix
			continue
		}
		raw, err := j.stateStore.Get(ctxt, key)
		if err != nil {
			if err != core.ErrKeyNotFound {
				log.WithError(err).WithFields(j.LogTags).Errorf("Unable to read '%s'", key)
			}
			continue
		}
		var status StreamStatus
		if err := json.Unmarshal(raw, &status); err != nil {
			log.WithError(err).WithFields(j.LogTags).Errorf("Malformed status record '%s'", key)
			continue
		}
		if status.Active && status.LastUpdate.After(cutoff) {
			continue
		}
		j.teardown(ctxt, vehicle, camera)
	}
	return nil
}

// teardown remove all stored artifacts of one stream. The status record goes
// last so a partial failure leaves the stream visible to the next sweep.
func (j *streamJanitorImpl) teardown(ctxt context.Context, vehicle, camera string) {
	log.WithFields(j.LogTags).Infof("Cleaning up stream %s/%s", vehicle, camera)
	targets := []struct {
		store core.KeyValueStore
		key   string
	}{
		{j.stateStore, common.CameraLatestKey(vehicle, camera)},
		{j.metricsStore, common.CameraMetricsKey(vehicle, camera)},
		{j.metricsStore, common.CameraMetricsHistoryKey(vehicle, camera)},
	}
	for _, target := range targets {
		if err := target.store.Delete(ctxt, target.key); err != nil && err != core.ErrKeyNotFound {
			log.WithError(err).WithFields(j.LogTags).Errorf(
				"Unable to delete '%s', will retry next sweep", target.key,
			)
			return
		}
	}
	if err := j.stateStore.Delete(
		ctxt, common.CameraStatusKey(vehicle, camera),
	); err != nil && err != core.ErrKeyNotFound {
		log.WithError(err).WithFields(j.LogTags).Errorf(
			"Unable to delete status of %s/%s, will retry next sweep", vehicle, camera,
		)
		return
	}
	j.tracker.Forget(vehicle, camera)
}
