package realtime

import (
	"fmt"
	"time"
)

// Identity addresses a channel. TenantID is nil for super-administrator
// identities, which connect under the sentinel tenant segment 0.
type Identity struct {
	TenantID *int64 `json:"tenant_id,omitempty"`
	UserID   int64  `json:"user_id"`
}

// TenantSegment returns the tenant id used in the channel address.
func (i Identity) TenantSegment() int64 {
	if i.TenantID == nil {
		return 0
	}
	return *i.TenantID
}

// Validate checks that the identity can address a channel.
func (i Identity) Validate() error {
	if i.UserID <= 0 {
		return fmt.Errorf("user id must be positive, got %d", i.UserID)
	}
	if i.TenantID != nil && *i.TenantID < 0 {
		return fmt.Errorf("tenant id must not be negative, got %d", *i.TenantID)
	}
	return nil
}

// Equal reports whether both identities address the same channel.
func (i Identity) Equal(other Identity) bool {
	return i.UserID == other.UserID && i.TenantSegment() == other.TenantSegment()
}

func (i Identity) String() string {
	return fmt.Sprintf("tenant=%d user=%d", i.TenantSegment(), i.UserID)
}

// Credentials is the view of an authenticated session the manager needs in
// order to open a channel.
type Credentials interface {
	Identity() Identity
	Token() string
	Authenticated() bool
}

// State is the lifecycle state of a single channel.
type State string

const (
	// StateIdle means no channel has been requested yet
	StateIdle State = "idle"

	// StateConnecting means the websocket handshake is in flight
	StateConnecting State = "connecting"

	// StateOpen means frames can be sent and received
	StateOpen State = "open"

	// StateClosing means a graceful close has been initiated
	StateClosing State = "closing"

	// StateClosed means the channel ended normally
	StateClosed State = "closed"

	// StateErrored means the transport failed; terminal until Connect is called again
	StateErrored State = "errored"
)

// Validate checks if the state is one of the defined values.
func (s State) Validate() error {
	switch s {
	case StateIdle, StateConnecting, StateOpen, StateClosing, StateClosed, StateErrored:
		return nil
	default:
		return fmt.Errorf("invalid channel state: %s", s)
	}
}

// Terminal reports whether the channel can no longer carry frames.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

// Active reports whether a Connect for the same identity should reuse the channel.
func (s State) Active() bool {
	return s == StateOpen || s == StateConnecting
}

// StatusChange is one connectivity transition.
type StatusChange struct {
	Connected bool      `json:"connected"`
	State     State     `json:"state"`
	Identity  Identity  `json:"identity"`
	Err       error     `json:"-"`
	At        time.Time `json:"at"`
}

// EventType is the value of the "type" discriminant on inbound frames.
type EventType string

const (
	// EventChatMessage is a chat line broadcast by the backend
	EventChatMessage EventType = "chat_message"

	// EventExternalMessage is a message that arrived through a gateway instance
	EventExternalMessage EventType = "new_message"

	// EventInstanceStatus reports a gateway instance lifecycle change
	EventInstanceStatus EventType = "instance_status_update"

	// EventInstanceQRCode delivers a pairing artifact for a gateway instance
	EventInstanceQRCode EventType = "instance_qr_code"

	// EventMalformed tags frames that could not be parsed
	EventMalformed EventType = "(malformed)"
)

// Event is a decoded inbound frame.
type Event interface {
	EventType() EventType
	Raw() []byte
}

type frame struct {
	raw []byte
}

// Raw returns the frame exactly as it was received.
func (f frame) Raw() []byte {
	return f.raw
}

// ChatMessage is an inbound chat line. Timestamp is zero when the backend
// did not send one.
type ChatMessage struct {
	frame
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

func (*ChatMessage) EventType() EventType { return EventChatMessage }

// ExternalMessage is a message relayed from outside the console (for
// example, a WhatsApp contact writing to a paired instance).
type ExternalMessage struct {
	frame
	InstanceID *int64 `json:"instance_id,omitempty"`
	Sender     string `json:"sender"`
	Content    string `json:"content"`
}

func (*ExternalMessage) EventType() EventType { return EventExternalMessage }

// InstanceStatusUpdate carries the raw backend status for an instance.
type InstanceStatusUpdate struct {
	frame
	InstanceID int64  `json:"instance_id"`
	Status     string `json:"status"`
}

func (*InstanceStatusUpdate) EventType() EventType { return EventInstanceStatus }

// InstancePairingArtifact carries a QR payload for an instance.
type InstancePairingArtifact struct {
	frame
	InstanceID int64  `json:"instance_id"`
	QRCode     string `json:"qr_code"`
}

func (*InstancePairingArtifact) EventType() EventType { return EventInstanceQRCode }

// UnknownEvent is a well-formed frame whose type no subsystem understands.
type UnknownEvent struct {
	frame
	Type string `json:"type"`
}

func (e *UnknownEvent) EventType() EventType { return EventType(e.Type) }

// MalformedEvent wraps a frame that could not be decoded.
type MalformedEvent struct {
	frame
	Err error `json:"-"`
}

func (*MalformedEvent) EventType() EventType { return EventMalformed }

// OutboundChat is the only frame the console sends.
type OutboundChat struct {
	Type    EventType `json:"type"`
	Content string    `json:"content"`
}

// NewOutboundChat builds a chat frame for content.
func NewOutboundChat(content string) OutboundChat {
	return OutboundChat{Type: EventChatMessage, Content: content}
}
