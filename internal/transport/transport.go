// Package transport provides the peer connectivity used by collaboration
// coordinators: an in-process network and a WebSocket link to a relay.
package transport

import (
	"context"
	"errors"

	"nodecollab/internal/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionClosed   = errors.New("session closed")
	ErrPeerNotFound    = errors.New("peer not found")
	ErrLinkClosed      = errors.New("link closed")
	ErrSendQueueFull   = errors.New("send queue full")
	ErrRejected        = errors.New("connection rejected")
)

// EventKind classifies link events.
type EventKind string

const (
	EventPeerJoined   EventKind = "peer_joined"
	EventPeerLeft     EventKind = "peer_left"
	EventData         EventKind = "data"
	EventStateChanged EventKind = "state_changed"
)

// Event is delivered on Link.Events in arrival order.
type Event struct {
	Kind    EventKind
	Peer    models.PeerInfo
	Payload []byte
	State   models.ConnectionState
}

// PeerTransport opens links into sessions.
type PeerTransport interface {
	// Host opens a new session and connects the local peer as its first member.
	Host(ctx context.Context, sessionID, name string, self models.PeerInfo) (Link, error)
	// Connect joins an existing session.
	Connect(ctx context.Context, sessionID string, self models.PeerInfo) (Link, error)
}

// Link is one peer's connection into a session.
// Send and Broadcast are safe for concurrent use; delivery is best effort.
type Link interface {
	Send(peerID string, payload []byte) error
	Broadcast(payload []byte) error
	// Events is closed once the link is closed or dropped.
	Events() <-chan Event
	// Peers lists the other members currently known to the link.
	Peers() []models.PeerInfo
	Close() error
}

const eventBuffer = 256
