package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/fleetlink/relay/auth"
	"github.com/fleetlink/relay/common"
	"github.com/fleetlink/relay/vision"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Session one authenticated client connection. The write pump goroutine is
// the sole writer on the socket; every other goroutine hands messages over
// through the outbound queue or the per-topic frame queues.
type Session struct {
	common.Component
	id        string
	principal auth.Principal
	conn      *websocket.Conn
	wsConfig  common.WebsocketConfig

	// outbound non-frame messages awaiting the write pump
	outbound chan []byte
	// frameReady token channel, one token per frame push
	frameReady chan struct{}

	lock *sync.Mutex
	// frameQueues topic key string -> bounded frame buffer
	frameQueues map[string]*vision.FrameQueue
	// decodedPrefs topic key string -> client wants decompressed frames
	decodedPrefs  map[string]bool
	frameQueueLen int

	closeOnce *sync.Once
	closed    chan struct{}
}

// newSession define a session for one upgraded connection
func newSession(
	conn *websocket.Conn,
	principal auth.Principal,
	wsConfig common.WebsocketConfig,
	frameQueueLen int,
) *Session {
	id := uuid.New().String()
	logTags := log.Fields{
		"module": "gateway", "component": "session", "session": id,
		"user": principal.Username,
	}
	return &Session{
		Component:     common.Component{LogTags: logTags},
		id:            id,
		principal:     principal,
		conn:          conn,
		wsConfig:      wsConfig,
		outbound:      make(chan []byte, wsConfig.OutboundQueueLength),
		frameReady:    make(chan struct{}, 1),
		lock:          &sync.Mutex{},
		frameQueues:   make(map[string]*vision.FrameQueue),
		decodedPrefs:  make(map[string]bool),
		frameQueueLen: frameQueueLen,
		closeOnce:     &sync.Once{},
		closed:        make(chan struct{}),
	}
}

// ID unique connection ID
func (s *Session) ID() string {
	return s.id
}

// Principal the authenticated identity behind this connection
func (s *Session) Principal() auth.Principal {
	return s.principal
}

// DeliverState queue a state payload for delivery. Never blocks; the payload
// is dropped with a log entry when the outbound queue is full.
func (s *Session) DeliverState(topic common.TopicKey, payload []byte) {
	s.enqueueMessage(newServerStateMessage(topic, payload, false))
}

// deliverSnapshot queue a cached state snapshot primed on subscribe
func (s *Session) deliverSnapshot(topic common.TopicKey, payload []byte) {
	s.enqueueMessage(newServerStateMessage(topic, payload, true))
}

// deliverError queue an error message toward the client
func (s *Session) deliverError(code int, message string) {
	s.enqueueMessage(newServerErrorMessage(code, message))
}

// deliverAck queue a request acknowledgement toward the client
func (s *Session) deliverAck(request string, topic string) {
	s.enqueueMessage(newServerAck(request, topic))
}

// enqueueMessage serialize and queue one non-frame message
func (s *Session) enqueueMessage(msg interface{}) {
	serialized, err := json.Marshal(msg)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Outbound message serialization failed")
		return
	}
	select {
	case s.outbound <- serialized:
	default:
		log.WithFields(s.LogTags).Warn("Outbound queue full, dropping message")
	}
}

// WantsDecodedFrames whether this client asked for decompressed frames on a topic
func (s *Session) WantsDecodedFrames(topic common.TopicKey) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.decodedPrefs[topic.String()]
}

// EnqueueFrame push one frame onto the topic's bounded queue. Returns the
// frames shed to make room and the depth afterward.
func (s *Session) EnqueueFrame(topic common.TopicKey, msg *vision.FrameMessage) (int, int) {
	s.lock.Lock()
	queue, ok := s.frameQueues[topic.String()]
	s.lock.Unlock()
	if !ok {
		return 0, 0
	}
	dropped := queue.Push(msg)
	return dropped, queue.Len()
}

// DeliverCameraControl queue a camera control relay toward the client
func (s *Session) DeliverCameraControl(topic common.TopicKey, payload []byte) {
	s.enqueueMessage(newServerControlMessage(topic, payload))
}

// registerFrameTopic create the bounded frame queue backing a camera topic
// subscription. Reports whether this call created the queue; an existing
// queue belongs to an earlier, still live subscription and is left untouched.
func (s *Session) registerFrameTopic(topic common.TopicKey, decoded bool) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.frameQueues[topic.String()]; ok {
		return false
	}
	s.frameQueues[topic.String()] = vision.NewFrameQueue(s.frameQueueLen, s.frameReady)
	s.decodedPrefs[topic.String()] = decoded
	return true
}

// dropFrameTopic discard the frame queue of an unsubscribed camera topic
func (s *Session) dropFrameTopic(topic common.TopicKey) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.frameQueues, topic.String())
	delete(s.decodedPrefs, topic.String())
}

// Close tear the connection down. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if err := s.conn.Close(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debug("Socket close failed")
		}
	})
}

// Done closed when the session ends
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// writePump socket writer loop. Runs until the context or the session ends.
func (s *Session) writePump(ctxt context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer s.Close()
	defer log.WithFields(s.LogTags).Info("Write pump exiting")

	pingTicker := time.NewTicker(time.Second * time.Duration(s.wsConfig.PingInterval))
	defer pingTicker.Stop()

	for {
		select {
		case <-ctxt.Done():
			return
		case <-s.closed:
			return
		case serialized := <-s.outbound:
			if !s.writeFrame(websocket.TextMessage, serialized) {
				return
			}
		case <-s.frameReady:
			if !s.flushFrameQueues() {
				return
			}
		case <-pingTicker.C:
			if !s.writeFrame(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// flushFrameQueues drain every per-topic frame queue
func (s *Session) flushFrameQueues() bool {
	s.lock.Lock()
	queues := make([]*vision.FrameQueue, 0, len(s.frameQueues))
	for _, queue := range s.frameQueues {
		queues = append(queues, queue)
	}
	s.lock.Unlock()
	for _, queue := range queues {
		for {
			msg, ok := queue.Pop()
			if !ok {
				break
			}
			serialized, err := json.Marshal(newServerFrameMessage(msg))
			if err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Frame serialization failed")
				continue
			}
			if !s.writeFrame(websocket.TextMessage, serialized) {
				return false
			}
		}
	}
	return true
}

// writeFrame one deadline-guarded socket write
func (s *Session) writeFrame(messageType int, payload []byte) bool {
	deadline := time.Now().Add(time.Second * time.Duration(s.wsConfig.WriteTimeout))
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		log.WithError(err).WithFields(s.LogTags).Debug("Write deadline rejected")
		return false
	}
	if err := s.conn.WriteMessage(messageType, payload); err != nil {
		log.WithError(err).WithFields(s.LogTags).Info("Socket write failed")
		return false
	}
	return true
}
