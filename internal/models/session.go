package models

import "time"

// Session is a collaboration room identified by an opaque id.
type Session struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	HostID    string     `json:"host_id"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	Members   []User     `json:"members,omitempty"`
}

// Open reports whether the session has not been closed yet.
func (s *Session) Open() bool {
	return s != nil && s.ClosedAt == nil
}

// SessionState is the local view of a coordinator's session lifecycle.
type SessionState string

const (
	StateIdle    SessionState = "idle"
	StateHosting SessionState = "hosting"
	StateJoining SessionState = "joining"
	StateJoined  SessionState = "joined"
)

// InSession reports whether the state carries an established session.
func (s SessionState) InSession() bool {
	return s == StateHosting || s == StateJoined
}

// ConnectionState mirrors the underlying peer connection.
type ConnectionState string

const (
	ConnNew          ConnectionState = "new"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnDisconnected ConnectionState = "disconnected"
	ConnFailed       ConnectionState = "failed"
	ConnClosed       ConnectionState = "closed"
)
