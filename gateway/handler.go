package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/fleetlink/relay/auth"
	"github.com/fleetlink/relay/bridge"
	"github.com/fleetlink/relay/common"
	"github.com/fleetlink/relay/registry"
	"github.com/fleetlink/relay/vision"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// Gateway error codes sent on the error message variant
const (
	errCodeBadRequest   = 4400
	errCodeUnauthorized = 4401
	errCodeConflict     = 4409
	errCodeInternal     = 4500
)

// vehicleCommand payload published onto the vehicle command channel
type vehicleCommand struct {
	CommandType string          `json:"commandType"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	IssuedBy    string          `json:"issuedBy"`
	IssuedAt    time.Time       `json:"issuedAt"`
}

// ConnectionGateway accepts client WebSocket connections and runs the relay's
// control protocol on them
type ConnectionGateway interface {
	// HandleConnection upgrade and serve one client connection. Blocks until
	// the connection ends.
	HandleConnection(w http.ResponseWriter, r *http.Request)
}

// connectionGatewayImpl implements ConnectionGateway
type connectionGatewayImpl struct {
	common.Component
	verifier      auth.TokenVerifier
	topics        registry.TopicRegistry
	broker        bridge.BrokerBridge
	pipeline      vision.FramePipeline
	wsConfig      common.WebsocketConfig
	frameQueueLen int
	upgrader      websocket.Upgrader
	validate      *validator.Validate
	rootContext   context.Context
	wg            *sync.WaitGroup
}

// GetConnectionGateway define a connection gateway
func GetConnectionGateway(
	verifier auth.TokenVerifier,
	topics registry.TopicRegistry,
	broker bridge.BrokerBridge,
	pipeline vision.FramePipeline,
	wsConfig common.WebsocketConfig,
	frameQueueLen int,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (ConnectionGateway, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "connection-gateway",
	}
	return &connectionGatewayImpl{
		Component:     common.Component{LogTags: logTags},
		verifier:      verifier,
		topics:        topics,
		broker:        broker,
		pipeline:      pipeline,
		wsConfig:      wsConfig,
		frameQueueLen: frameQueueLen,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		validate:    validator.New(),
		rootContext: rootCtxt,
		wg:          wg,
	}, nil
}

// HandleConnection upgrade and serve one client connection
func (g *connectionGatewayImpl) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Error("Connection upgrade failed")
		return
	}

	principal, err := g.authenticate(r.Context(), conn)
	if err != nil {
		g.rejectConnection(conn, err)
		return
	}

	session := newSession(conn, principal, g.wsConfig, g.frameQueueLen)
	log.WithFields(g.LogTags).Infof(
		"Session %s opened for '%s'", session.ID(), principal.Username,
	)

	g.wg.Add(1)
	go session.writePump(g.rootContext, g.wg)
	session.deliverAck(ClientRequestTypeAuth, "")

	g.readLoop(session)

	if err := g.topics.DropConnection(g.rootContext, session.ID()); err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf(
			"Unable to release topics of session %s", session.ID(),
		)
	}
	session.Close()
	log.WithFields(g.LogTags).Infof("Session %s closed", session.ID())
}

// authenticate wait for the opening auth message and verify its credential
func (g *connectionGatewayImpl) authenticate(
	ctxt context.Context, conn *websocket.Conn,
) (auth.Principal, error) {
	deadline := time.Now().Add(time.Second * time.Duration(g.wsConfig.AuthTimeout))
	if err := conn.SetReadDeadline(deadline); err != nil {
		return auth.Principal{}, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return auth.Principal{}, &auth.AuthError{
			Reason: "no credential presented", Definitive: true, Cause: err,
		}
	}
	request, err := parseClientRequest(g.validate, raw)
	if err != nil {
		return auth.Principal{}, &auth.AuthError{
			Reason: "malformed auth message", Definitive: true, Cause: err,
		}
	}
	authReq, ok := request.(*AuthRequest)
	if !ok {
		return auth.Principal{}, &auth.AuthError{
			Reason: "first message must present a credential", Definitive: true,
		}
	}
	return g.verifier.Verify(ctxt, authReq.Token)
}

// rejectConnection report an auth failure and drop the socket. The write
// pump never started, so writing directly is safe here.
func (g *connectionGatewayImpl) rejectConnection(conn *websocket.Conn, cause error) {
	log.WithError(cause).WithFields(g.LogTags).Info("Rejecting connection")
	msg, err := json.Marshal(newServerErrorMessage(errCodeUnauthorized, cause.Error()))
	if err == nil {
		deadline := time.Now().Add(time.Second * time.Duration(g.wsConfig.WriteTimeout))
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.WriteMessage(websocket.TextMessage, msg)
	}
	_ = conn.Close()
}

// readLoop dispatch inbound client requests until the connection ends
func (g *connectionGatewayImpl) readLoop(session *Session) {
	conn := session.conn
	pongWait := time.Second * time.Duration(g.wsConfig.PongTimeout)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.WithError(err).WithFields(session.LogTags).Info("Read loop ending")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		request, err := parseClientRequest(g.validate, raw)
		if err != nil {
			session.deliverError(errCodeBadRequest, err.Error())
			continue
		}
		switch request := request.(type) {
		case *AuthRequest:
			session.deliverError(errCodeConflict, "connection already authenticated")
		case *SubscribeRequest:
			g.handleSubscribe(session, request)
		case *UnsubscribeRequest:
			g.handleUnsubscribe(session, request)
		case *CommandRequest:
			g.handleCommand(session, request)
		}
	}
}

// handleSubscribe process one subscribe request
func (g *connectionGatewayImpl) handleSubscribe(session *Session, request *SubscribeRequest) {
	topic, err := common.ParseTopicKey(request.Topic)
	if err != nil {
		session.deliverError(errCodeBadRequest, err.Error())
		return
	}
	// The frame queue must exist before the registry exposes this session to
	// the pipeline
	createdQueue := false
	if topic.Kind == common.TopicKindCamera {
		createdQueue = session.registerFrameTopic(topic, request.Decoded)
	}
	if err := g.topics.Subscribe(g.rootContext, session, topic); err != nil {
		// Tear down only what this request created. On a duplicate subscribe
		// the existing queue still serves the original subscription.
		if createdQueue {
			session.dropFrameTopic(topic)
		}
		code := errCodeInternal
		if err == registry.ErrAlreadySubscribed {
			code = errCodeConflict
		}
		session.deliverError(code, err.Error())
		return
	}
	session.deliverAck(ClientRequestTypeSubscribe, topic.String())
	g.primeSubscription(session, topic, request.Decoded)
}

// primeSubscription hand a late joiner the cached snapshot or latest frame
func (g *connectionGatewayImpl) primeSubscription(
	session *Session, topic common.TopicKey, decoded bool,
) {
	if topic.Kind == common.TopicKindState {
		snapshot, err := g.broker.GetSnapshot(g.rootContext, topic.Vehicle)
		if err != nil {
			log.WithError(err).WithFields(g.LogTags).Warnf(
				"Snapshot priming failed for %s", topic,
			)
			return
		}
		if snapshot != nil {
			session.deliverSnapshot(topic, snapshot.Payload)
		}
		return
	}
	latest, err := g.pipeline.GetLatest(g.rootContext, topic, decoded)
	if err != nil {
		// Normal for a stream with no traffic yet
		log.WithError(err).WithFields(g.LogTags).Debugf(
			"No latest frame to prime for %s", topic,
		)
		return
	}
	session.EnqueueFrame(topic, latest)
}

// handleUnsubscribe process one unsubscribe request
func (g *connectionGatewayImpl) handleUnsubscribe(session *Session, request *UnsubscribeRequest) {
	topic, err := common.ParseTopicKey(request.Topic)
	if err != nil {
		session.deliverError(errCodeBadRequest, err.Error())
		return
	}
	if err := g.topics.Unsubscribe(g.rootContext, session.ID(), topic); err != nil {
		session.deliverError(errCodeInternal, err.Error())
		return
	}
	if topic.Kind == common.TopicKindCamera {
		session.dropFrameTopic(topic)
	}
	session.deliverAck(ClientRequestTypeUnsubscribe, topic.String())
}

// handleCommand relay an operator command onto the vehicle command channel
func (g *connectionGatewayImpl) handleCommand(session *Session, request *CommandRequest) {
	payload, err := json.Marshal(vehicleCommand{
		CommandType: request.CommandType,
		Parameters:  request.Parameters,
		IssuedBy:    session.Principal().Username,
		IssuedAt:    time.Now().UTC(),
	})
	if err != nil {
		session.deliverError(errCodeInternal, err.Error())
		return
	}
	if err := g.broker.SendCommand(g.rootContext, request.Vehicle, payload); err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf(
			"Command relay toward %s failed", request.Vehicle,
		)
		session.deliverError(errCodeInternal, "command relay failed")
		return
	}
	session.deliverAck(ClientRequestTypeCommand, "")
}
