// Package message defines the envelope and body variants exchanged between
// entities through an exchange. Bodies form a closed, tagged union so that
// networked transports can switch on an explicit wire discriminator rather
// than on runtime types.
package message

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/proxystore/academy/pkg/identifier"
)

// Body is a message payload variant. The set of implementations is closed.
type Body interface {
	// Kind returns the wire discriminator for this variant.
	Kind() string

	isBody()
}

// Request bodies.

// ActionRequest asks an agent to invoke a named action.
type ActionRequest struct {
	Action string                 `json:"action"`
	Args   []interface{}          `json:"args,omitempty"`
	Kwargs map[string]interface{} `json:"kwargs,omitempty"`
}

// PingRequest asks an agent to confirm liveness.
type PingRequest struct{}

// ShutdownRequest asks an agent to begin an orderly shutdown.
type ShutdownRequest struct{}

// Response bodies.

// ActionResponse carries the result of a completed action.
type ActionResponse struct {
	Result interface{} `json:"result"`
}

// ActionError reports that an action (or request dispatch) failed.
type ActionError struct {
	Error string `json:"error"`
}

// PingResponse confirms liveness.
type PingResponse struct{}

// ShutdownResponse acknowledges a shutdown request.
type ShutdownResponse struct{}

const (
	KindActionRequest    = "action-request"
	KindPingRequest      = "ping-request"
	KindShutdownRequest  = "shutdown-request"
	KindActionResponse   = "action-response"
	KindActionError      = "action-error"
	KindPingResponse     = "ping-response"
	KindShutdownResponse = "shutdown-response"
)

func (ActionRequest) Kind() string    { return KindActionRequest }
func (PingRequest) Kind() string      { return KindPingRequest }
func (ShutdownRequest) Kind() string  { return KindShutdownRequest }
func (ActionResponse) Kind() string   { return KindActionResponse }
func (ActionError) Kind() string      { return KindActionError }
func (PingResponse) Kind() string     { return KindPingResponse }
func (ShutdownResponse) Kind() string { return KindShutdownResponse }

func (ActionRequest) isBody()    {}
func (PingRequest) isBody()      {}
func (ShutdownRequest) isBody()  {}
func (ActionResponse) isBody()   {}
func (ActionError) isBody()      {}
func (PingResponse) isBody()     {}
func (ShutdownResponse) isBody() {}

// Message is the routed envelope. Label is an opaque correlation ID chosen
// by the originating handle; every response carries the label of its request.
type Message struct {
	ID    uuid.UUID
	Src   identifier.EntityID
	Dest  identifier.EntityID
	Label string
	Body  Body
}

// New builds a message envelope with a fresh ID.
func New(src, dest identifier.EntityID, label string, body Body) *Message {
	return &Message{
		ID:    uuid.New(),
		Src:   src,
		Dest:  dest,
		Label: label,
		Body:  body,
	}
}

// Equal reports envelope identity (by message ID).
func (m *Message) Equal(other *Message) bool {
	return other != nil && m.ID == other.ID
}

// IsRequest reports whether the body is a request variant.
func (m *Message) IsRequest() bool {
	switch m.Body.(type) {
	case ActionRequest, PingRequest, ShutdownRequest:
		return true
	}
	return false
}

// IsResponse reports whether the body is a response variant.
func (m *Message) IsResponse() bool {
	return m.Body != nil && !m.IsRequest()
}

// Response builds the success response matching this request, preserving the
// label and swapping src and dest. The result is used only for action
// requests.
func (m *Message) Response(result interface{}) (*Message, error) {
	var body Body
	switch m.Body.(type) {
	case ActionRequest:
		body = ActionResponse{Result: result}
	case PingRequest:
		body = PingResponse{}
	case ShutdownRequest:
		body = ShutdownResponse{}
	default:
		return nil, fmt.Errorf("cannot build a response to a %s message", m.Body.Kind())
	}
	return New(m.Dest, m.Src, m.Label, body), nil
}

// ErrorResponse builds an ActionError response to this request, preserving
// the label and swapping src and dest.
func (m *Message) ErrorResponse(err error) (*Message, error) {
	if !m.IsRequest() {
		return nil, fmt.Errorf("cannot build an error response to a %s message", m.Body.Kind())
	}
	return New(m.Dest, m.Src, m.Label, ActionError{Error: err.Error()}), nil
}

func (m *Message) String() string {
	return fmt.Sprintf("Message<%s; %s -> %s>", m.Body.Kind(), m.Src, m.Dest)
}

// wireMessage is the canonical JSON form.
type wireMessage struct {
	ID    string          `json:"id"`
	Src   string          `json:"src"`
	Dest  string          `json:"dest"`
	Label string          `json:"label"`
	Kind  string          `json:"kind"`
	Body  json.RawMessage `json:"body"`
}

// MarshalJSON encodes the envelope with an explicit body discriminator.
func (m *Message) MarshalJSON() ([]byte, error) {
	if m.Body == nil {
		return nil, fmt.Errorf("cannot encode a message without a body")
	}
	body, err := json.Marshal(m.Body)
	if err != nil {
		return nil, fmt.Errorf("encode message body: %w", err)
	}
	return json.Marshal(wireMessage{
		ID:    m.ID.String(),
		Src:   m.Src.String(),
		Dest:  m.Dest.String(),
		Label: m.Label,
		Kind:  m.Body.Kind(),
		Body:  body,
	})
}

// UnmarshalJSON decodes the canonical JSON form, switching on the body
// discriminator.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	id, err := uuid.Parse(wire.ID)
	if err != nil {
		return fmt.Errorf("decode message id: %w", err)
	}
	src, err := identifier.Parse(wire.Src)
	if err != nil {
		return fmt.Errorf("decode message src: %w", err)
	}
	dest, err := identifier.Parse(wire.Dest)
	if err != nil {
		return fmt.Errorf("decode message dest: %w", err)
	}
	body, err := decodeBody(wire.Kind, wire.Body)
	if err != nil {
		return err
	}
	m.ID = id
	m.Src = src
	m.Dest = dest
	m.Label = wire.Label
	m.Body = body
	return nil
}

func decodeBody(kind string, raw json.RawMessage) (Body, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	switch kind {
	case KindActionRequest:
		var b ActionRequest
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case KindPingRequest:
		return PingRequest{}, nil
	case KindShutdownRequest:
		return ShutdownRequest{}, nil
	case KindActionResponse:
		var b ActionResponse
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case KindActionError:
		var b ActionError
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case KindPingResponse:
		return PingResponse{}, nil
	case KindShutdownResponse:
		return ShutdownResponse{}, nil
	default:
		return nil, fmt.Errorf("unknown message kind %q", kind)
	}
}

// RemoteError is the caller-side error surfaced when a request resolved with
// an ActionError body.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }
