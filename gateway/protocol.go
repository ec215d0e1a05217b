package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetlink/relay/common"
	"github.com/fleetlink/relay/vision"
	"github.com/go-playground/validator/v10"
)

// Client request types
const (
	// ClientRequestTypeAuth opening credential presentation
	ClientRequestTypeAuth = "auth"
	// ClientRequestTypeSubscribe watch a topic
	ClientRequestTypeSubscribe = "subscribe"
	// ClientRequestTypeUnsubscribe stop watching a topic
	ClientRequestTypeUnsubscribe = "unsubscribe"
	// ClientRequestTypeCommand operator command toward a vehicle
	ClientRequestTypeCommand = "command"
)

// Server message types
const (
	// ServerMessageTypeAck request accepted
	ServerMessageTypeAck = "ack"
	// ServerMessageTypeState vehicle state update
	ServerMessageTypeState = "state"
	// ServerMessageTypeFrame camera frame delivery
	ServerMessageTypeFrame = "frame"
	// ServerMessageTypeControl camera control relay
	ServerMessageTypeControl = "control"
	// ServerMessageTypeError request or connection level failure
	ServerMessageTypeError = "error"
)

// clientRequestEnvelope used to select the request variant before a full parse
type clientRequestEnvelope struct {
	Type string `json:"type" validate:"required,oneof=auth subscribe unsubscribe command"`
}

// AuthRequest opening credential presentation. Must be the first message on
// a new connection.
type AuthRequest struct {
	Token string `json:"token" validate:"required"`
}

// SubscribeRequest watch a topic
type SubscribeRequest struct {
	// Topic the client facing topic key string
	Topic string `json:"topic" validate:"required"`
	// Decoded request camera frames decompressed before delivery
	Decoded bool `json:"decoded"`
}

// UnsubscribeRequest stop watching a topic
type UnsubscribeRequest struct {
	Topic string `json:"topic" validate:"required"`
}

// CommandRequest operator command relayed onto the vehicle's command channel
type CommandRequest struct {
	Vehicle     string          `json:"vehicleId" validate:"required"`
	CommandType string          `json:"commandType" validate:"required"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// parseClientRequest parse one inbound client message into its typed variant
func parseClientRequest(validate *validator.Validate, raw []byte) (interface{}, error) {
	var envelope clientRequestEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("malformed client request: %s", err)
	}
	if err := validate.Struct(&envelope); err != nil {
		return nil, fmt.Errorf("unknown request type '%s'", envelope.Type)
	}
	var request interface{}
	switch envelope.Type {
	case ClientRequestTypeAuth:
		request = &AuthRequest{}
	case ClientRequestTypeSubscribe:
		request = &SubscribeRequest{}
	case ClientRequestTypeUnsubscribe:
		request = &UnsubscribeRequest{}
	case ClientRequestTypeCommand:
		request = &CommandRequest{}
	}
	if err := json.Unmarshal(raw, request); err != nil {
		return nil, fmt.Errorf("malformed '%s' request: %s", envelope.Type, err)
	}
	if err := validate.Struct(request); err != nil {
		return nil, fmt.Errorf("invalid '%s' request: %s", envelope.Type, err)
	}
	return request, nil
}

// ==========================================================================
// Server to client messages

// ServerAck request accepted
type ServerAck struct {
	Type string `json:"type"`
	// Request the accepted request type
	Request string `json:"request"`
	Topic   string `json:"topic,omitempty"`
}

// ServerStateMessage vehicle state update
type ServerStateMessage struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Vehicle string          `json:"vehicleId"`
	Payload json.RawMessage `json:"payload"`
	// Snapshot marks a cached state primed on subscribe rather than a live update
	Snapshot bool `json:"snapshot,omitempty"`
}

// ServerFrameMessage camera frame delivery. Data carries the frame bytes
// base64 encoded; Compressed tells the client whether they are still gzip.
type ServerFrameMessage struct {
	Type        string               `json:"type"`
	Topic       string               `json:"topic"`
	Vehicle     string               `json:"vehicleId"`
	Camera      string               `json:"camera"`
	FrameNumber uint64               `json:"frameNumber"`
	Compressed  bool                 `json:"compressed"`
	Data        []byte               `json:"data"`
	Metadata    vision.FrameMetadata `json:"metadata"`
	CapturedAt  time.Time            `json:"capturedAt"`
}

// ServerControlMessage camera control relay
type ServerControlMessage struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// ServerErrorMessage request or connection level failure
type ServerErrorMessage struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newServerAck(request string, topic string) ServerAck {
	return ServerAck{Type: ServerMessageTypeAck, Request: request, Topic: topic}
}

func newServerStateMessage(
	topic common.TopicKey, payload []byte, snapshot bool,
) ServerStateMessage {
	return ServerStateMessage{
		Type:     ServerMessageTypeState,
		Topic:    topic.String(),
		Vehicle:  topic.Vehicle,
		Payload:  payload,
		Snapshot: snapshot,
	}
}

func newServerFrameMessage(msg *vision.FrameMessage) ServerFrameMessage {
	return ServerFrameMessage{
		Type:        ServerMessageTypeFrame,
		Topic:       msg.Topic.String(),
		Vehicle:     msg.Topic.Vehicle,
		Camera:      msg.Topic.Camera,
		FrameNumber: msg.Metadata.FrameNumber,
		Compressed:  msg.Compressed,
		Data:        msg.Payload,
		Metadata:    msg.Metadata,
		CapturedAt:  msg.CapturedAt,
	}
}

func newServerControlMessage(topic common.TopicKey, payload []byte) ServerControlMessage {
	return ServerControlMessage{
		Type:    ServerMessageTypeControl,
		Topic:   topic.String(),
		Payload: payload,
	}
}

func newServerErrorMessage(code int, message string) ServerErrorMessage {
	return ServerErrorMessage{
		Type: ServerMessageTypeError, Code: code, Message: message,
	}
}
