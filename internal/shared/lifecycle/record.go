package lifecycle

import (
	"encoding/json"
	"time"
)

// Stage names a point in a relay session's life
type Stage string

const (
	StageAdmitted Stage = "admitted" // Took a slot on arrival
	StageQueued   Stage = "queued"   // Parked in the admission queue
	StagePromoted Stage = "promoted" // Left the queue and took a slot
	StageRelaying Stage = "relaying" // Upstream handshake done, pending frames flushed
	StageClosed   Stage = "closed"   // Session torn down
)

// Record is one lifecycle event as published to the sink
type Record struct {
	SessionID  string    `json:"session_id"`
	Stage      Stage     `json:"stage"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	CloseCode  int       `json:"close_code,omitempty"`
	QueueWait  float64   `json:"queue_wait_ms,omitempty"`
	Duration   float64   `json:"duration_ms,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Marshal encodes the record as JSON
func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Millis converts a duration into fractional milliseconds for Record fields
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
