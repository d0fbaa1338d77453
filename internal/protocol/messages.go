// Package protocol defines the WebSocket frames exchanged between chat
// clients and the server. Every frame is a JSON object with a "type"
// discriminator; the set of kinds is closed and parsed into concrete structs.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the frame type discriminator.
type Kind string

// ErrUnknownKind is returned by ParseClientMessage for a well-formed frame
// whose kind the server does not accept.
var ErrUnknownKind = errors.New("protocol: unknown client message type")

// ---------------------------------------------------------------------------
// Frame kinds
// ---------------------------------------------------------------------------

// Client -> Server kinds.
const (
	KindMessage Kind = "message"
	KindTyping  Kind = "typing"
	KindRead    Kind = "read"
	KindPing    Kind = "ping"
)

// Call-setup kinds. They flow in both directions unchanged.
const (
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
	KindCallRequest  Kind = "call_request"
	KindCallResponse Kind = "call_response"
	KindCallEnd      Kind = "call_end"
)

// Server -> Client kinds. KindMessage, KindTyping, KindRead and the call-setup
// kinds are reused for their server renderings.
const (
	KindMessageSent     Kind = "message_sent"
	KindCyberbotWarning Kind = "cyberbot_warning"
	KindError           Kind = "error"
	KindPong            Kind = "pong"
)

// IsSignaling reports whether k is a call-setup kind.
func (k Kind) IsSignaling() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate, KindCallRequest, KindCallResponse, KindCallEnd:
		return true
	}
	return false
}

// Message content kinds.
const (
	ContentText          = "text"
	ContentImage         = "image"
	ContentSystemWarning = "system_warning"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeNotFriends      = "not_friends"
	CodeSenderBlocked   = "sender_blocked"
	CodeRateLimited     = "rate_limited"
	CodeInvalidMessage  = "invalid_message"
	CodeInternal        = "internal_error"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the frame kind and the raw JSON for deferred decoding.
type Envelope struct {
	Type Kind            `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server frames
// ---------------------------------------------------------------------------

// Inbound is implemented by every client frame struct.
type Inbound interface {
	Kind() Kind
}

// ChatMsg carries a text or image payload for a single receiver. Image
// content is base64, optionally prefixed with a data-URI header.
type ChatMsg struct {
	ReceiverID  int64  `json:"receiver_id"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
}

func (ChatMsg) Kind() Kind { return KindMessage }

// TypingMsg toggles the typing indicator shown to the receiver.
type TypingMsg struct {
	ReceiverID int64 `json:"receiver_id"`
	IsTyping   bool  `json:"is_typing"`
}

func (TypingMsg) Kind() Kind { return KindTyping }

// ReadMsg marks a message as read.
type ReadMsg struct {
	MessageID int64 `json:"message_id"`
}

func (ReadMsg) Kind() Kind { return KindRead }

// SignalMsg is any call-setup frame. Payload, SDP and Candidate are opaque
// and forwarded untouched.
type SignalMsg struct {
	Type       Kind            `json:"type"`
	ReceiverID int64           `json:"receiver_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	SDP        json.RawMessage `json:"sdp,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
}

func (m SignalMsg) Kind() Kind { return m.Type }

// PingMsg is a client keepalive.
type PingMsg struct{}

func (PingMsg) Kind() Kind { return KindPing }

// ---------------------------------------------------------------------------
// Server -> Client frames
// ---------------------------------------------------------------------------

// ServerChatMsg is the delivered rendering of a chat message. Content always
// holds the filtered text; ContentOriginal is set only for unflagged messages.
type ServerChatMsg struct {
	ID              int64     `json:"id"`
	SenderID        int64     `json:"sender_id"`
	SenderUsername  string    `json:"sender_username"`
	Content         string    `json:"content"`
	ContentFiltered string    `json:"content_filtered"`
	ContentOriginal string    `json:"content_original,omitempty"`
	MessageType     string    `json:"message_type"`
	IsFlagged       bool      `json:"is_flagged"`
	SeverityScore   *string   `json:"severity_score"`
	CreatedAt       time.Time `json:"created_at"`
}

// MessageSentMsg acknowledges a processed message to its sender.
type MessageSentMsg struct {
	ID         int64     `json:"id"`
	ReceiverID int64     `json:"receiver_id"`
	IsBlocked  bool      `json:"is_blocked"`
	CreatedAt  time.Time `json:"created_at"`
}

// CyberbotWarningMsg is the in-band moderator warning sent to a violator.
type CyberbotWarningMsg struct {
	ID              int64     `json:"id"`
	SenderID        int64     `json:"sender_id"`
	SenderUsername  string    `json:"sender_username"`
	Content         string    `json:"content"`
	ContentFiltered string    `json:"content_filtered"`
	MessageType     string    `json:"message_type"`
	IsFlagged       bool      `json:"is_flagged"`
	SeverityScore   string    `json:"severity_score"`
	WarningCount    int       `json:"warning_count"`
	RedTagged       bool      `json:"red_tagged"`
	CreatedAt       time.Time `json:"created_at"`
}

// ServerTypingMsg relays a typing indicator.
type ServerTypingMsg struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

// ServerReadMsg confirms a read receipt back to the reader.
type ServerReadMsg struct {
	MessageID int64 `json:"message_id"`
	UserID    int64 `json:"user_id"`
}

// ServerSignalMsg is a forwarded call-setup frame.
type ServerSignalMsg struct {
	SenderID       int64           `json:"sender_id"`
	SenderUsername string          `json:"sender_username"`
	SenderAvatar   string          `json:"sender_avatar"`
	Payload        json.RawMessage `json:"payload"`
	SDP            json.RawMessage `json:"sdp"`
	Candidate      json.RawMessage `json:"candidate"`
}

// ErrorMsg reports a rejected frame.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage decodes raw frame bytes into one of the Inbound structs.
// Unknown and server-only kinds are errors.
func ParseClientMessage(data []byte) (Kind, Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg Inbound
		err error
	)

	switch {
	case env.Type == KindMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		if m.MessageType == "" {
			m.MessageType = ContentText
		}
		msg = m
	case env.Type == KindTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case env.Type == KindRead:
		var m ReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case env.Type == KindPing:
		msg = PingMsg{}
	case env.Type.IsSignaling():
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage marshals payload and injects kind under the "type" key.
func NewServerMessage(kind Kind, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	// UseNumber keeps int64 ids exact through the map round trip.
	var m map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{}, 1)
	}

	m["type"] = kind

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
