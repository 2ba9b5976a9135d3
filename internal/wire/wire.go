// Package wire defines the frames exchanged between collaboration clients
// and the relay, and the payload format coordinators put inside them.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"nodecollab/internal/models"
)

// EnvelopeType names a relay frame.
type EnvelopeType string

const (
	TypeHello      EnvelopeType = "hello"
	TypeWelcome    EnvelopeType = "welcome"
	TypePeerJoined EnvelopeType = "peer_joined"
	TypePeerLeft   EnvelopeType = "peer_left"
	TypeData       EnvelopeType = "data"
	TypeClosed     EnvelopeType = "closed"
	TypeError      EnvelopeType = "error"
)

// Role is declared in the hello frame.
type Role string

const (
	RoleHost Role = "host"
	RoleJoin Role = "join"
)

// Envelope is one relay frame. Payload is opaque to the relay except for
// journaling of operation messages.
type Envelope struct {
	Type      EnvelopeType      `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	Role      Role              `json:"role,omitempty"`
	Name      string            `json:"name,omitempty"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to,omitempty"`
	Peer      *models.PeerInfo  `json:"peer,omitempty"`
	Peers     []models.PeerInfo `json:"peers,omitempty"`
	HostToken string            `json:"host_token,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Error     string            `json:"error,omitempty"`
	// Node is set on frames travelling over the backplane.
	Node string `json:"node,omitempty"`
}

// MessageKind tags coordinator payloads.
type MessageKind string

const (
	KindOperation MessageKind = "op"
	KindCursor    MessageKind = "cursor"
)

// Message is what a coordinator broadcasts over a link.
type Message struct {
	Kind   MessageKind            `json:"kind"`
	Op     *models.Operation      `json:"op,omitempty"`
	Cursor *models.CursorPosition `json:"cursor,omitempty"`
}

var errMalformed = errors.New("malformed message")

// EncodeOperation wraps op into a message payload.
func EncodeOperation(op models.Operation) ([]byte, error) {
	return json.Marshal(Message{Kind: KindOperation, Op: &op})
}

// EncodeCursor wraps a cursor position into a message payload.
func EncodeCursor(pos models.CursorPosition) ([]byte, error) {
	return json.Marshal(Message{Kind: KindCursor, Cursor: &pos})
}

// DecodeMessage parses and checks a coordinator payload.
func DecodeMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	switch msg.Kind {
	case KindOperation:
		if msg.Op == nil {
			return Message{}, fmt.Errorf("%w: op without operation", errMalformed)
		}
	case KindCursor:
		if msg.Cursor == nil {
			return Message{}, fmt.Errorf("%w: cursor without position", errMalformed)
		}
	default:
		return Message{}, fmt.Errorf("%w: kind %q", errMalformed, msg.Kind)
	}
	return msg, nil
}
