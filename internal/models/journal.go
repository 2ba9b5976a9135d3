package models

import "time"

// JournalEntry is an operation as persisted by the relay, numbered per
// deployment in arrival order.
type JournalEntry struct {
	Seq        int64     `json:"seq"`
	SessionID  string    `json:"session_id"`
	Operation  Operation `json:"operation"`
	RecordedAt time.Time `json:"recorded_at"`
}
