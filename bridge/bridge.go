package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/fleetlink/relay/common"
	"github.com/fleetlink/relay/core"
)

// StateFanOut downstream delivery of vehicle state payloads
type StateFanOut interface {
	FanOut(topic common.TopicKey, payload []byte)
}

// FrameRouter downstream processing of camera stream and control payloads
type FrameRouter interface {
	OnFrame(ctxt context.Context, topic common.TopicKey, payload []byte)
	OnControl(ctxt context.Context, topic common.TopicKey, payload []byte)
}

// StateSnapshot the cached last-known state of one vehicle
type StateSnapshot struct {
	Vehicle string
	Payload []byte
}

// BrokerBridge connects the topic registry to the external broker. It owns
// the broker subscriptions, demuxes inbound traffic by channel kind, and
// keeps a replay queue of channel operations which failed while the broker
// was unreachable.
type BrokerBridge interface {
	// OpenChannel start broker delivery for a topic. A camera topic opens
	// both its stream and its control channel.
	OpenChannel(ctxt context.Context, topic common.TopicKey) error
	// CloseChannel stop broker delivery for a topic
	CloseChannel(ctxt context.Context, topic common.TopicKey) error
	// SetMessageRoutes install the downstream message handlers. Must be
	// called before the first OpenChannel.
	SetMessageRoutes(states StateFanOut, frames FrameRouter)
	// GetSnapshot read the cached state snapshot of a vehicle. Returns nil
	// without error when no snapshot exists.
	GetSnapshot(ctxt context.Context, vehicle string) (*StateSnapshot, error)
	// SendCommand publish an operator command onto the vehicle's command channel
	SendCommand(ctxt context.Context, vehicle string, payload []byte) error
	// NotifyReconnect trigger an immediate replay of queued channel operations
	NotifyReconnect()
	// Stop drain and close all broker subscriptions
	Stop()
}

// pendingChannelOp one queued channel operation awaiting replay
type pendingChannelOp struct {
	open     bool
	topic    common.TopicKey
	attempts int
}

// brokerBridgeImpl implements BrokerBridge
type brokerBridgeImpl struct {
	common.Component
	pubsub     core.PubSubDriver
	stateStore core.KeyValueStore
	states     StateFanOut
	frames     FrameRouter
	retryCfg   common.BridgeRetryConfig

	lock *sync.Mutex
	// subscriptions topic key string -> open broker subscriptions
	subscriptions map[string][]core.Subscription
	pending       []*pendingChannelOp
	// cancelled topics whose queued or in-flight open was revoked by a close
	cancelled map[string]bool

	rootContext context.Context
	replayKick  chan struct{}
	wg          *sync.WaitGroup
}

// GetBrokerBridge define a broker bridge. The replay worker runs until
// rootCtxt ends.
func GetBrokerBridge(
	pubsub core.PubSubDriver,
	stateStore core.KeyValueStore,
	retryCfg common.BridgeRetryConfig,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (BrokerBridge, error) {
	logTags := log.Fields{
		"module": "bridge", "component": "broker-bridge",
	}
	instance := &brokerBridgeImpl{
		Component:     common.Component{LogTags: logTags},
		pubsub:        pubsub,
		stateStore:    stateStore,
		retryCfg:      retryCfg,
		lock:          &sync.Mutex{},
		subscriptions: make(map[string][]core.Subscription),
		cancelled:     make(map[string]bool),
		replayKick:    make(chan struct{}, 1),
		rootContext:   rootCtxt,
		wg:            wg,
	}
	wg.Add(1)
	go instance.replayWorker()
	return instance, nil
}

// SetMessageRoutes install the downstream message handlers
func (b *brokerBridgeImpl) SetMessageRoutes(states StateFanOut, frames FrameRouter) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.states = states
	b.frames = frames
}

// OpenChannel start broker delivery for a topic. A failure to subscribe is
// treated as transient: the operation is queued for replay and the topic's
// subscribers stay registered.
func (b *brokerBridgeImpl) OpenChannel(ctxt context.Context, topic common.TopicKey) error {
	b.lock.Lock()
	delete(b.cancelled, topic.String())
	b.lock.Unlock()
	if err := b.subscribeTopic(topic); err != nil {
		log.WithError(err).WithFields(b.LogTags).Warnf(
			"Channel open for %s failed, queued for replay", topic,
		)
		b.enqueueOp(&pendingChannelOp{open: true, topic: topic})
	}
	return nil
}

// CloseChannel stop broker delivery for a topic
func (b *brokerBridgeImpl) CloseChannel(ctxt context.Context, topic common.TopicKey) error {
	b.lock.Lock()
	// Cancel any queued or in-flight open of the same topic
	b.cancelled[topic.String()] = true
	filtered := b.pending[:0]
	for _, op := range b.pending {
		if op.open && op.topic == topic {
			continue
		}
		filtered = append(filtered, op)
	}
	b.pending = filtered
	subs, ok := b.subscriptions[topic.String()]
	delete(b.subscriptions, topic.String())
	b.lock.Unlock()
	if !ok {
		return nil
	}
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			log.WithError(err).WithFields(b.LogTags).Warnf(
				"Channel close for %s failed, queued for replay", topic,
			)
			b.enqueueOp(&pendingChannelOp{open: false, topic: topic})
			return nil
		}
	}
	return nil
}

// subscribeTopic open the broker subscriptions backing one topic
func (b *brokerBridgeImpl) subscribeTopic(topic common.TopicKey) error {
	b.lock.Lock()
	if _, ok := b.subscriptions[topic.String()]; ok {
		b.lock.Unlock()
		return nil
	}
	b.lock.Unlock()

	var subs []core.Subscription
	rollback := func() {
		for _, sub := range subs {
			_ = sub.Close()
		}
	}
	if topic.Kind == common.TopicKindCamera {
		streamSub, err := b.pubsub.Subscribe(topic.String(), func(channel string, payload []byte) {
			b.routeFrame(topic, payload)
		})
		if err != nil {
			return err
		}
		subs = append(subs, streamSub)
		controlSub, err := b.pubsub.Subscribe(
			topic.ControlChannel(), func(channel string, payload []byte) {
				b.routeControl(topic, payload)
			},
		)
		if err != nil {
			rollback()
			return err
		}
		subs = append(subs, controlSub)
	} else {
		stateSub, err := b.pubsub.Subscribe(topic.String(), func(channel string, payload []byte) {
			b.routeState(topic, payload)
		})
		if err != nil {
			return err
		}
		subs = append(subs, stateSub)
	}

	b.lock.Lock()
	defer b.lock.Unlock()
	if b.cancelled[topic.String()] {
		// A close arrived while the subscribe was in flight
		delete(b.cancelled, topic.String())
		go rollback()
		return nil
	}
	if _, ok := b.subscriptions[topic.String()]; ok {
		// Lost the race against a concurrent open
		go rollback()
		return nil
	}
	b.subscriptions[topic.String()] = subs
	log.WithFields(b.LogTags).Infof("Opened broker channel(s) for %s", topic)
	return nil
}

func (b *brokerBridgeImpl) routeState(topic common.TopicKey, payload []byte) {
	b.lock.Lock()
	states := b.states
	b.lock.Unlock()
	if states == nil {
		log.WithFields(b.LogTags).Errorf("No state route installed, dropping %s", topic)
		return
	}
	states.FanOut(topic, payload)
}

func (b *brokerBridgeImpl) routeFrame(topic common.TopicKey, payload []byte) {
	b.lock.Lock()
	frames := b.frames
	b.lock.Unlock()
	if frames == nil {
		log.WithFields(b.LogTags).Errorf("No frame route installed, dropping %s", topic)
		return
	}
	frames.OnFrame(b.rootContext, topic, payload)
}

func (b *brokerBridgeImpl) routeControl(topic common.TopicKey, payload []byte) {
	b.lock.Lock()
	frames := b.frames
	b.lock.Unlock()
	if frames == nil {
		return
	}
	frames.OnControl(b.rootContext, topic, payload)
}

// GetSnapshot read the cached state snapshot of a vehicle
func (b *brokerBridgeImpl) GetSnapshot(
	ctxt context.Context, vehicle string,
) (*StateSnapshot, error) {
	payload, err := b.stateStore.Get(ctxt, common.VehicleStateKey(vehicle))
	if err != nil {
		if err == core.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &StateSnapshot{Vehicle: vehicle, Payload: payload}, nil
}

// SendCommand publish an operator command onto the vehicle's command channel
func (b *brokerBridgeImpl) SendCommand(
	ctxt context.Context, vehicle string, payload []byte,
) error {
	return b.pubsub.Publish(ctxt, common.CommandChannel(vehicle), payload)
}

// NotifyReconnect trigger an immediate replay of queued channel operations
func (b *brokerBridgeImpl) NotifyReconnect() {
	select {
	case b.replayKick <- struct{}{}:
	default:
	}
}

// enqueueOp record a failed channel operation and wake the replay worker
func (b *brokerBridgeImpl) enqueueOp(op *pendingChannelOp) {
	b.lock.Lock()
	b.pending = append(b.pending, op)
	b.lock.Unlock()
	b.NotifyReconnect()
}

// replayWorker drains the pending operation queue with capped exponential
// backoff between passes
func (b *brokerBridgeImpl) replayWorker() {
	defer b.wg.Done()
	defer log.WithFields(b.LogTags).Info("Replay worker exiting")
	backoff := time.Second * time.Duration(b.retryCfg.InitWait)
	maxBackoff := time.Second * time.Duration(b.retryCfg.MaxWait)
	for {
		select {
		case <-b.rootContext.Done():
			return
		case <-b.replayKick:
		}
		for {
			if b.replayPass() {
				backoff = time.Second * time.Duration(b.retryCfg.InitWait)
				break
			}
			log.WithFields(b.LogTags).Infof("Replay pass incomplete, next in %s", backoff)
			select {
			case <-b.rootContext.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// replayPass attempt every queued operation once. Returns true when the
// queue is empty afterward.
func (b *brokerBridgeImpl) replayPass() bool {
	b.lock.Lock()
	ops := b.pending
	b.pending = nil
	b.lock.Unlock()

	var failed []*pendingChannelOp
	for _, op := range ops {
		if op.open {
			b.lock.Lock()
			revoked := b.cancelled[op.topic.String()]
			if revoked {
				delete(b.cancelled, op.topic.String())
			}
			b.lock.Unlock()
			if revoked {
				continue
			}
		}
		var err error
		if op.open {
			err = b.subscribeTopic(op.topic)
		} else {
			err = b.closeImmediate(op.topic)
		}
		if err == nil {
			log.WithFields(b.LogTags).Infof("Replayed queued channel op for %s", op.topic)
			continue
		}
		op.attempts++
		if op.attempts >= b.retryCfg.MaxAttempts {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Dropping channel op for %s after %d attempts", op.topic, op.attempts,
			)
			continue
		}
		failed = append(failed, op)
	}

	b.lock.Lock()
	// Operations queued while the pass ran stay ahead of the retries
	b.pending = append(b.pending, failed...)
	empty := len(b.pending) == 0
	b.lock.Unlock()
	return empty
}

// closeImmediate close a topic's subscriptions without re-queueing
func (b *brokerBridgeImpl) closeImmediate(topic common.TopicKey) error {
	b.lock.Lock()
	subs, ok := b.subscriptions[topic.String()]
	delete(b.subscriptions, topic.String())
	b.lock.Unlock()
	if !ok {
		return nil
	}
	var firstErr error
	for _, sub := range subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stop drain and close all broker subscriptions
func (b *brokerBridgeImpl) Stop() {
	b.lock.Lock()
	all := b.subscriptions
	b.subscriptions = make(map[string][]core.Subscription)
	b.pending = nil
	b.lock.Unlock()
	for key, subs := range all {
		for _, sub := range subs {
			if err := sub.Close(); err != nil {
				log.WithError(err).WithFields(b.LogTags).Warnf(
					"Unable to close subscription of %s", key,
				)
			}
		}
	}
}
