package types

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// OpCode discriminates obs-websocket v5 envelopes.
type OpCode int

const (
	OpHello           OpCode = 0
	OpIdentify        OpCode = 1
	OpIdentified      OpCode = 2
	OpEvent           OpCode = 5
	OpRequest         OpCode = 6
	OpRequestResponse OpCode = 7
)

func (op OpCode) String() string {
	switch op {
	case OpHello:
		return "Hello"
	case OpIdentify:
		return "Identify"
	case OpIdentified:
		return "Identified"
	case OpEvent:
		return "Event"
	case OpRequest:
		return "Request"
	case OpRequestResponse:
		return "RequestResponse"
	}
	return fmt.Sprintf("op(%d)", int(op))
}

const (
	RPCVersion          = 1
	OBSWebSocketVersion = "5.0.0"

	StatusSuccess = 100
	StatusFailure = 600
)

// Wire-level type discriminator for relay frames that carry no opcode.
const (
	FrameTypeEvent    = "event"
	FrameTypeShutdown = "server-shutdown"
)

// Envelope is an outgoing {op, d} frame.
type Envelope struct {
	Op OpCode `json:"op"`
	D  any    `json:"d"`
}

// RawEnvelope is an incoming {op, d} frame with the payload left undecoded.
type RawEnvelope struct {
	Op OpCode          `json:"op"`
	D  json.RawMessage `json:"d"`
}

type Authentication struct {
	Challenge string `json:"challenge"`
	Salt      string `json:"salt"`
}

type Hello struct {
	OBSWebSocketVersion string          `json:"obsWebSocketVersion"`
	RPCVersion          int             `json:"rpcVersion"`
	Authentication      *Authentication `json:"authentication,omitempty"`
}

type Identify struct {
	RPCVersion         int    `json:"rpcVersion"`
	Authentication     string `json:"authentication,omitempty"`
	EventSubscriptions *int   `json:"eventSubscriptions,omitempty"`
}

type Identified struct {
	NegotiatedRPCVersion int `json:"negotiatedRpcVersion"`
}

type Request struct {
	RequestType string          `json:"requestType"`
	RequestID   string          `json:"requestId"`
	RequestData json.RawMessage `json:"requestData,omitempty"`
}

type RequestStatus struct {
	Result  bool   `json:"result"`
	Code    int    `json:"code"`
	Comment string `json:"comment,omitempty"`
}

type RequestResponse struct {
	RequestType   string          `json:"requestType"`
	RequestID     string          `json:"requestId"`
	RequestStatus RequestStatus   `json:"requestStatus"`
	ResponseData  json.RawMessage `json:"responseData,omitempty"`
}

// ClientResponse is the relay's answer to a client request. RequestID is
// echoed back exactly as the client sent it and omitted when it sent none.
type ClientResponse struct {
	RequestType   string          `json:"requestType"`
	RequestID     json.RawMessage `json:"requestId,omitempty"`
	RequestStatus RequestStatus   `json:"requestStatus"`
	ResponseData  json.RawMessage `json:"responseData,omitempty"`
}

// LegacyResponse answers a flat request. Older dashboards read the failure
// text from Error rather than requestStatus.comment.
type LegacyResponse struct {
	ClientResponse
	Error string `json:"error,omitempty"`
}

// Event is an upstream event. It doubles as the eventData payload of the
// relay's broadcast frame, where EventIntent is left zero.
type Event struct {
	EventType   string          `json:"eventType"`
	EventIntent int             `json:"eventIntent,omitempty"`
	EventData   json.RawMessage `json:"eventData,omitempty"`
}

type EventFrame struct {
	Type      string `json:"type"`
	EventData Event  `json:"eventData"`
}

type ShutdownNotice struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewHello builds the Hello a relay sends to a freshly accepted client. The
// relay never asks for authentication, so challenge and salt are empty.
func NewHello() Envelope {
	return Envelope{Op: OpHello, D: Hello{
		OBSWebSocketVersion: OBSWebSocketVersion,
		RPCVersion:          RPCVersion,
		Authentication:      &Authentication{},
	}}
}

func NewIdentified() Envelope {
	return Envelope{Op: OpIdentified, D: Identified{NegotiatedRPCVersion: RPCVersion}}
}

func NewEventFrame(ev Event) EventFrame {
	return EventFrame{Type: FrameTypeEvent, EventData: Event{EventType: ev.EventType, EventData: ev.EventData}}
}

func NewShutdownNotice() ShutdownNotice {
	return ShutdownNotice{Type: FrameTypeShutdown, Message: "Server is shutting down"}
}

// --- Inbound relay messages ---

// Inbound is a message a relay client can send. The concrete type is one of
// *IdentifyMessage or *RequestMessage.
type Inbound interface {
	inbound()
}

// IdentifyMessage carries the client's Identify payload, which the relay
// acknowledges without inspecting.
type IdentifyMessage struct {
	Data json.RawMessage
}

// RequestMessage is a request in either the {op:6, d:{...}} shape or the
// flat legacy shape. Legacy requests are answered in the flat shape.
// Err is set when the request could not be decoded; such requests are
// answered with a failure without reaching OBS.
type RequestMessage struct {
	RequestType string
	RequestID   json.RawMessage
	RequestData json.RawMessage
	Legacy      bool
	Err         error
}

func (*IdentifyMessage) inbound() {}
func (*RequestMessage) inbound()  {}

var ErrUnknownEnvelope = errors.New("envelope has neither op nor requestType")

// UnknownOpError reports an opcode a relay client is not allowed to send.
type UnknownOpError struct {
	Op OpCode
}

func (e *UnknownOpError) Error() string {
	return fmt.Sprintf("unsupported opcode %d", int(e.Op))
}

// requestFields are decoded leniently so that a request with an odd
// requestId still gets an answer.
type requestFields struct {
	RequestType json.RawMessage `json:"requestType"`
	RequestID   json.RawMessage `json:"requestId"`
	RequestData json.RawMessage `json:"requestData"`
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func (f requestFields) message(legacy bool) *RequestMessage {
	m := &RequestMessage{Legacy: legacy}
	if present(f.RequestID) {
		m.RequestID = f.RequestID
	}
	if present(f.RequestData) {
		m.RequestData = f.RequestData
	}
	if present(f.RequestType) {
		if err := json.Unmarshal(f.RequestType, &m.RequestType); err != nil {
			m.Err = errors.New("invalid request: requestType must be a string")
		}
	}
	return m
}

// ParseInbound decodes one relay client frame.
func ParseInbound(data []byte) (Inbound, error) {
	var env struct {
		Op *OpCode         `json:"op"`
		D  json.RawMessage `json:"d"`
		requestFields
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "invalid envelope")
	}

	if env.Op == nil {
		if !present(env.requestFields.RequestType) {
			return nil, ErrUnknownEnvelope
		}
		return env.requestFields.message(true), nil
	}

	switch *env.Op {
	case OpIdentify:
		return &IdentifyMessage{Data: env.D}, nil
	case OpRequest:
		var fields requestFields
		if !present(env.D) {
			return fields.message(false), nil
		}
		if err := json.Unmarshal(env.D, &fields); err != nil {
			return &RequestMessage{Err: errors.New("invalid request: d must be an object")}, nil
		}
		return fields.message(false), nil
	default:
		return nil, &UnknownOpError{Op: *env.Op}
	}
}

// Response builds the reply to r in the shape r arrived in. A nil err means
// success and data becomes responseData.
func (r *RequestMessage) Response(data json.RawMessage, err error) any {
	resp := ClientResponse{
		RequestType:   r.RequestType,
		RequestID:     r.RequestID,
		RequestStatus: RequestStatus{Result: true, Code: StatusSuccess},
		ResponseData:  data,
	}
	if err != nil {
		resp.RequestStatus = RequestStatus{Result: false, Code: StatusFailure, Comment: err.Error()}
		resp.ResponseData = nil
	}

	if r.Legacy {
		legacy := LegacyResponse{ClientResponse: resp}
		if err != nil {
			legacy.Error = err.Error()
		}
		return legacy
	}
	return Envelope{Op: OpRequestResponse, D: resp}
}
