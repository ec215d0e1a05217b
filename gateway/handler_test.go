package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/fleetlink/relay/auth"
	"github.com/fleetlink/relay/bridge"
	"github.com/fleetlink/relay/common"
	"github.com/fleetlink/relay/core"
	"github.com/fleetlink/relay/registry"
	"github.com/fleetlink/relay/vision"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVerifier accepts tokens of the form "token-<name>"
type fakeVerifier struct{}

func (v fakeVerifier) Verify(ctxt context.Context, token string) (auth.Principal, error) {
	if !strings.HasPrefix(token, "token-") {
		return auth.Principal{}, &auth.AuthError{Reason: "unknown credential", Definitive: true}
	}
	name := strings.TrimPrefix(token, "token-")
	return auth.Principal{ID: name, Username: name, Role: "operator"}, nil
}

// fakeBridge in-memory bridge.BrokerBridge
type fakeBridge struct {
	lock      sync.Mutex
	snapshots map[string][]byte
	commands  map[string][][]byte
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		snapshots: make(map[string][]byte),
		commands:  make(map[string][][]byte),
	}
}

func (b *fakeBridge) OpenChannel(ctxt context.Context, topic common.TopicKey) error { return nil }

func (b *fakeBridge) CloseChannel(ctxt context.Context, topic common.TopicKey) error { return nil }

func (b *fakeBridge) SetMessageRoutes(states bridge.StateFanOut, frames bridge.FrameRouter) {}

func (b *fakeBridge) GetSnapshot(ctxt context.Context, vehicle string) (*bridge.StateSnapshot, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	payload, ok := b.snapshots[vehicle]
	if !ok {
		return nil, nil
	}
	return &bridge.StateSnapshot{Vehicle: vehicle, Payload: payload}, nil
}

func (b *fakeBridge) SendCommand(ctxt context.Context, vehicle string, payload []byte) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.commands[vehicle] = append(b.commands[vehicle], payload)
	return nil
}

func (b *fakeBridge) NotifyReconnect() {}

func (b *fakeBridge) Stop() {}

func (b *fakeBridge) setSnapshot(vehicle string, payload []byte) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.snapshots[vehicle] = payload
}

func (b *fakeBridge) commandCount(vehicle string) int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.commands[vehicle])
}

// memKVStore in-memory core.KeyValueStore
type memKVStore struct {
	lock sync.Mutex
	data map[string][]byte
}

func newMemKVStore() *memKVStore {
	return &memKVStore{data: make(map[string][]byte)}
}

func (s *memKVStore) Set(ctxt context.Context, key string, value []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.data[key] = value
	return nil
}

func (s *memKVStore) Get(ctxt context.Context, key string) ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	value, ok := s.data[key]
	if !ok {
		return nil, core.ErrKeyNotFound
	}
	return value, nil
}

func (s *memKVStore) Delete(ctxt context.Context, key string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memKVStore) Keys(ctxt context.Context, prefix string) ([]string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var result []string
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			result = append(result, key)
		}
	}
	return result, nil
}

// registryConsumers adapts the registry's sink sets to the pipeline
type registryConsumers struct {
	topics registry.TopicRegistry
}

func (a registryConsumers) ConsumersOf(topic common.TopicKey) []vision.FrameConsumer {
	sinks := a.topics.SinksOf(topic)
	result := make([]vision.FrameConsumer, 0, len(sinks))
	for _, sink := range sinks {
		if consumer, ok := sink.(vision.FrameConsumer); ok {
			result = append(result, consumer)
		}
	}
	return result
}

type gatewayTestEnv struct {
	gateway  ConnectionGateway
	topics   registry.TopicRegistry
	broker   *fakeBridge
	pipeline vision.FramePipeline
	server   *httptest.Server
	stop     func()
}

func defineGatewayTestEnv(t *testing.T) *gatewayTestEnv {
	log.SetLevel(log.DebugLevel)
	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())

	tp, err := common.GetNewTaskProcessorInstance("ut-gateway", 16, ctxt)
	require.Nil(t, err)
	broker := newFakeBridge()
	topics, err := registry.GetTopicRegistry(tp, broker)
	require.Nil(t, err)
	require.Nil(t, tp.StartEventLoop(&wg))

	tracker, err := vision.GetMetricsTracker(newMemKVStore(), 10)
	require.Nil(t, err)
	pipeline, err := vision.GetFramePipeline(
		newMemKVStore(), tracker, registryConsumers{topics: topics},
	)
	require.Nil(t, err)

	wsConfig := common.WebsocketConfig{
		WriteTimeout:        5,
		PongTimeout:         60,
		PingInterval:        30,
		OutboundQueueLength: 16,
		AuthTimeout:         5,
	}
	uut, err := GetConnectionGateway(
		fakeVerifier{}, topics, broker, pipeline, wsConfig, 3, ctxt, &wg,
	)
	require.Nil(t, err)

	server := httptest.NewServer(http.HandlerFunc(uut.HandleConnection))
	return &gatewayTestEnv{
		gateway:  uut,
		topics:   topics,
		broker:   broker,
		pipeline: pipeline,
		server:   server,
		stop: func() {
			server.Close()
			_ = tp.StopEventLoop()
			cancel()
			wg.Wait()
		},
	}
}

func (e *gatewayTestEnv) dial(t *testing.T) *websocket.Conn {
	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Nil(t, err)
	return conn
}

// readServerMessage read one message and decode it loosely
func readServerMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	require.Nil(t, conn.SetReadDeadline(time.Now().Add(time.Second*5)))
	_, raw, err := conn.ReadMessage()
	require.Nil(t, err)
	var decoded map[string]interface{}
	require.Nil(t, json.Unmarshal(raw, &decoded))
	return decoded
}

func sendRequest(t *testing.T, conn *websocket.Conn, request string) {
	require.Nil(t, conn.SetWriteDeadline(time.Now().Add(time.Second*5)))
	require.Nil(t, conn.WriteMessage(websocket.TextMessage, []byte(request)))
}

func authenticate(t *testing.T, conn *websocket.Conn, token string) {
	sendRequest(t, conn, fmt.Sprintf(`{"type":"auth","token":"%s"}`, token))
	msg := readServerMessage(t, conn)
	require.Equal(t, "ack", msg["type"])
	require.Equal(t, "auth", msg["request"])
}

func TestGatewayStateRelayEndToEnd(t *testing.T) {
	assert := assert.New(t)
	env := defineGatewayTestEnv(t)
	defer env.stop()

	topic := common.StateTopic("V1")
	statePayload := `{"armed":true,"mode":"AUTO"}`

	// Client A subscribes before any update exists
	clientA := env.dial(t)
	defer func() { _ = clientA.Close() }()
	authenticate(t, clientA, "token-alice")
	sendRequest(t, clientA, `{"type":"subscribe","topic":"vehicle:V1:state"}`)
	ack := readServerMessage(t, clientA)
	assert.Equal("ack", ack["type"])
	assert.Equal("vehicle:V1:state", ack["topic"])

	// Case 0: a state update fans out to the live subscriber
	assert.Eventually(func() bool {
		return len(env.topics.SinksOf(topic)) == 1
	}, time.Second*5, time.Millisecond*10)
	env.topics.FanOut(topic, []byte(statePayload))
	update := readServerMessage(t, clientA)
	assert.Equal("state", update["type"])
	assert.Equal("V1", update["vehicleId"])
	serialized, err := json.Marshal(update["payload"])
	assert.Nil(err)
	assert.JSONEq(statePayload, string(serialized))

	// Case 1: a late joiner is primed from the cached snapshot without
	// waiting for a new broadcast
	env.broker.setSnapshot("V1", []byte(statePayload))
	clientB := env.dial(t)
	defer func() { _ = clientB.Close() }()
	authenticate(t, clientB, "token-bob")
	sendRequest(t, clientB, `{"type":"subscribe","topic":"vehicle:V1:state"}`)
	ack = readServerMessage(t, clientB)
	assert.Equal("ack", ack["type"])
	primed := readServerMessage(t, clientB)
	assert.Equal("state", primed["type"])
	assert.Equal(true, primed["snapshot"])
	serialized, err = json.Marshal(primed["payload"])
	assert.Nil(err)
	assert.JSONEq(statePayload, string(serialized))

	// Case 2: commands pass through to the vehicle command channel
	sendRequest(t, clientA, `{"type":"command","vehicleId":"V1","commandType":"return_home"}`)
	ack = readServerMessage(t, clientA)
	assert.Equal("ack", ack["type"])
	assert.Equal("command", ack["request"])
	assert.Equal(1, env.broker.commandCount("V1"))

	// Case 3: disconnect releases the connection's topics
	_ = clientA.Close()
	assert.Eventually(func() bool {
		return len(env.topics.SinksOf(topic)) == 1
	}, time.Second*5, time.Millisecond*10)
}

func TestGatewayFrameDelivery(t *testing.T) {
	assert := assert.New(t)
	env := defineGatewayTestEnv(t)
	defer env.stop()

	client := env.dial(t)
	defer func() { _ = client.Close() }()
	authenticate(t, client, "token-carol")

	sendRequest(t, client, `{"type":"subscribe","topic":"camera:drone-1:front:stream","decoded":true}`)
	ack := readServerMessage(t, client)
	assert.Equal("ack", ack["type"])

	topic := common.CameraTopic("drone-1", "front")
	assert.Eventually(func() bool {
		return len(env.topics.SinksOf(topic)) == 1
	}, time.Second*5, time.Millisecond*10)

	// Publish one gzip'ed frame through the pipeline
	rawFrame := []byte("jpeg-bytes-jpeg-bytes-jpeg-bytes")
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, 6)
	require.Nil(t, err)
	_, err = writer.Write(rawFrame)
	require.Nil(t, err)
	require.Nil(t, writer.Close())
	envelope, err := json.Marshal(vision.FrameEnvelope{
		Vehicle:     "drone-1",
		Camera:      "front",
		Timestamp:   float64(time.Now().UnixMilli()),
		FrameNumber: 3,
		FrameData:   buf.Bytes(),
		Metadata:    vision.FrameMetadata{FrameNumber: 3, OriginalSize: len(rawFrame)},
	})
	require.Nil(t, err)
	env.pipeline.OnFrame(context.Background(), topic, envelope)

	// Case 0: the client receives the decoded frame
	msg := readServerMessage(t, client)
	assert.Equal("frame", msg["type"])
	assert.Equal("drone-1", msg["vehicleId"])
	assert.Equal("front", msg["camera"])
	assert.Equal(false, msg["compressed"])
	data, err := base64.StdEncoding.DecodeString(msg["data"].(string))
	assert.Nil(err)
	assert.Equal(rawFrame, data)

	// Case 1: a second subscriber is primed with the latest stored frame
	clientB := env.dial(t)
	defer func() { _ = clientB.Close() }()
	authenticate(t, clientB, "token-dave")
	sendRequest(t, clientB, `{"type":"subscribe","topic":"camera:drone-1:front:stream","decoded":true}`)
	ack = readServerMessage(t, clientB)
	assert.Equal("ack", ack["type"])
	primed := readServerMessage(t, clientB)
	assert.Equal("frame", primed["type"])
	assert.Equal(float64(3), primed["frameNumber"])
}

func TestGatewayDuplicateSubscribeKeepsFrameDelivery(t *testing.T) {
	assert := assert.New(t)
	env := defineGatewayTestEnv(t)
	defer env.stop()

	client := env.dial(t)
	defer func() { _ = client.Close() }()
	authenticate(t, client, "token-frank")

	sendRequest(t, client, `{"type":"subscribe","topic":"camera:drone-2:front:stream","decoded":true}`)
	assert.Equal("ack", readServerMessage(t, client)["type"])

	topic := common.CameraTopic("drone-2", "front")
	assert.Eventually(func() bool {
		return len(env.topics.SinksOf(topic)) == 1
	}, time.Second*5, time.Millisecond*10)

	// Case 0: a duplicate subscribe reports a conflict but leaves the
	// original subscription registered
	sendRequest(t, client, `{"type":"subscribe","topic":"camera:drone-2:front:stream","decoded":false}`)
	msg := readServerMessage(t, client)
	assert.Equal("error", msg["type"])
	assert.Equal(float64(errCodeConflict), msg["code"])
	assert.Len(env.topics.SinksOf(topic), 1)

	// Case 1: frames still reach the original subscription, in its
	// originally requested decoded form
	rawFrame := []byte("jpeg-bytes-jpeg-bytes-jpeg-bytes")
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, 6)
	require.Nil(t, err)
	_, err = writer.Write(rawFrame)
	require.Nil(t, err)
	require.Nil(t, writer.Close())
	envelope, err := json.Marshal(vision.FrameEnvelope{
		Vehicle:     "drone-2",
		Camera:      "front",
		Timestamp:   float64(time.Now().UnixMilli()),
		FrameNumber: 11,
		FrameData:   buf.Bytes(),
		Metadata:    vision.FrameMetadata{FrameNumber: 11, OriginalSize: len(rawFrame)},
	})
	require.Nil(t, err)
	env.pipeline.OnFrame(context.Background(), topic, envelope)

	msg = readServerMessage(t, client)
	assert.Equal("frame", msg["type"])
	assert.Equal(float64(11), msg["frameNumber"])
	assert.Equal(false, msg["compressed"])
	data, err := base64.StdEncoding.DecodeString(msg["data"].(string))
	assert.Nil(err)
	assert.Equal(rawFrame, data)
}

func TestGatewayRejectsBadCredential(t *testing.T) {
	assert := assert.New(t)
	env := defineGatewayTestEnv(t)
	defer env.stop()

	// Case 0: bad token gets an error message then the socket closes
	conn := env.dial(t)
	defer func() { _ = conn.Close() }()
	sendRequest(t, conn, `{"type":"auth","token":"wrong"}`)
	msg := readServerMessage(t, conn)
	assert.Equal("error", msg["type"])
	assert.Equal(float64(errCodeUnauthorized), msg["code"])
	require.Nil(t, conn.SetReadDeadline(time.Now().Add(time.Second*5)))
	_, _, err := conn.ReadMessage()
	assert.NotNil(err)

	// Case 1: first message must be auth
	conn2 := env.dial(t)
	defer func() { _ = conn2.Close() }()
	sendRequest(t, conn2, `{"type":"subscribe","topic":"vehicle:V1:state"}`)
	msg = readServerMessage(t, conn2)
	assert.Equal("error", msg["type"])
	assert.Equal(float64(errCodeUnauthorized), msg["code"])
}

func TestGatewayRequestValidation(t *testing.T) {
	assert := assert.New(t)
	env := defineGatewayTestEnv(t)
	defer env.stop()

	client := env.dial(t)
	defer func() { _ = client.Close() }()
	authenticate(t, client, "token-erin")

	// Case 0: malformed topic keys are rejected without dropping the connection
	sendRequest(t, client, `{"type":"subscribe","topic":"bogus-topic"}`)
	msg := readServerMessage(t, client)
	assert.Equal("error", msg["type"])
	assert.Equal(float64(errCodeBadRequest), msg["code"])

	// Case 1: double subscribe reports a conflict
	sendRequest(t, client, `{"type":"subscribe","topic":"vehicle:V2:state"}`)
	assert.Equal("ack", readServerMessage(t, client)["type"])
	sendRequest(t, client, `{"type":"subscribe","topic":"vehicle:V2:state"}`)
	msg = readServerMessage(t, client)
	assert.Equal("error", msg["type"])
	assert.Equal(float64(errCodeConflict), msg["code"])

	// Case 2: unsubscribing an unknown topic is a no-op with an ack
	sendRequest(t, client, `{"type":"unsubscribe","topic":"vehicle:V3:state"}`)
	msg = readServerMessage(t, client)
	assert.Equal("ack", msg["type"])
	assert.Equal("unsubscribe", msg["request"])

	// Case 3: repeated auth reports a conflict
	sendRequest(t, client, `{"type":"auth","token":"token-erin"}`)
	msg = readServerMessage(t, client)
	assert.Equal("error", msg["type"])
	assert.Equal(float64(errCodeConflict), msg["code"])
}
