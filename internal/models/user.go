package models

import "time"

// PeerInfo is the identity a peer announces on the transport.
type PeerInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CursorPosition is a pointer location in document coordinates.
type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// User is a session member as seen by the local client.
type User struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Color      string          `json:"color"`
	Cursor     *CursorPosition `json:"cursor,omitempty"`
	JoinedAt   time.Time       `json:"joined_at"`
	LastActive time.Time       `json:"last_active"`
	IsActive   bool            `json:"active"`
}

// Active reports whether the user produced input within threshold of now.
func (u User) Active(now time.Time, threshold time.Duration) bool {
	if u.LastActive.IsZero() {
		return false
	}
	return now.Sub(u.LastActive) < threshold
}

// Palette holds the display colours handed out to members in join order.
var Palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#42d4f4", "#f032e6", "#bfef45",
	"#fabed4", "#469990", "#dcbeff", "#9a6324",
}
