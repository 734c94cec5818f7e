// Package events holds the typed envelope relayed between clients and the
// upstream realtime service. Payloads stay opaque: only the "type" field is
// inspected, everything else is forwarded byte for byte.
package events

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedEvent is returned when a frame is not a JSON object with a non-empty string "type"
var ErrMalformedEvent = errors.New("malformed event")

// Category groups upstream event types by prefix
type Category int

const (
	CategoryOther Category = iota
	CategorySession
	CategoryConversation
	CategoryInputAudioBuffer
	CategoryResponse
	CategoryRateLimits
	CategoryError
)

var categoryNames = [...]string{
	CategoryOther:            "other",
	CategorySession:          "session",
	CategoryConversation:     "conversation",
	CategoryInputAudioBuffer: "input_audio_buffer",
	CategoryResponse:         "response",
	CategoryRateLimits:       "rate_limits",
	CategoryError:            "error",
}

func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return "other"
	}
	return categoryNames[c]
}

// Classify maps an event type onto its category. Unknown prefixes fall through to CategoryOther.
func Classify(eventType string) Category {
	prefix, _, _ := strings.Cut(eventType, ".")
	switch prefix {
	case "session", "transcription_session":
		return CategorySession
	case "conversation":
		return CategoryConversation
	case "input_audio_buffer":
		return CategoryInputAudioBuffer
	case "response":
		return CategoryResponse
	case "rate_limits":
		return CategoryRateLimits
	case "error":
		return CategoryError
	default:
		return CategoryOther
	}
}

// Event is a decoded envelope. Raw is the exact frame received.
type Event struct {
	Type     string
	ID       string
	Category Category
	Raw      json.RawMessage

	// hasIDKey is set when Raw carries an event_id key, even an empty one
	hasIDKey bool
}

type envelope struct {
	Type    *string `json:"type"`
	EventID *string `json:"event_id"`
}

// Decode parses a frame into an Event without touching its payload
func Decode(data []byte) (Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Event{}, fmt.Errorf("%w: not a JSON object", ErrMalformedEvent)
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Type == nil || *env.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	raw := make(json.RawMessage, len(trimmed))
	copy(raw, trimmed)

	ev := Event{
		Type:     *env.Type,
		Category: Classify(*env.Type),
		Raw:      raw,
	}
	if env.EventID != nil {
		ev.ID = *env.EventID
		ev.hasIDKey = true
	}
	return ev, nil
}

// WithID returns the event carrying an event_id, generating one when absent.
// The upstream correlates errors to client events by this field. The id is
// spliced in after the opening brace so the rest of the frame is untouched.
func (e Event) WithID() (Event, error) {
	if e.ID != "" {
		return e, nil
	}
	if len(e.Raw) == 0 || e.Raw[0] != '{' {
		return e, fmt.Errorf("%w: not a JSON object", ErrMalformedEvent)
	}

	id := NewEventID()
	if e.hasIDKey {
		// An empty event_id key exists; splicing would duplicate it
		return e.replaceID(id)
	}

	raw := make(json.RawMessage, 0, len(e.Raw)+len(id)+16)
	raw = append(raw, `{"event_id":"`...)
	raw = append(raw, id...)
	raw = append(raw, '"')
	if rest := bytes.TrimLeft(e.Raw[1:], " \t\r\n"); len(rest) > 0 && rest[0] != '}' {
		raw = append(raw, ',')
	}
	raw = append(raw, e.Raw[1:]...)

	e.ID = id
	e.Raw = raw
	e.hasIDKey = true
	return e, nil
}

func (e Event) replaceID(id string) (Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(e.Raw, &fields); err != nil {
		return e, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	quoted, err := json.Marshal(id)
	if err != nil {
		return e, err
	}
	fields["event_id"] = quoted

	raw, err := json.Marshal(fields)
	if err != nil {
		return e, err
	}
	e.ID = id
	e.Raw = raw
	return e, nil
}

// NewEventID generates an id in the "evt_" form used by the upstream service
func NewEventID() string {
	var b [10]byte
	_, _ = rand.Read(b[:])
	return "evt_" + hex.EncodeToString(b[:])
}

// Notice types sent by the relay itself, never by the upstream
const (
	NoticeQueued    = "queued"
	NoticeColdStart = "cold_start"
)

// Notice is a relay-control status message
type Notice struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// QueuedNotice tells a client it is waiting for a free slot
func QueuedNotice() Notice {
	return Notice{Type: NoticeQueued, Message: "Server is at capacity. You are in the queue."}
}

// ColdStartNotice tells a client the relay is still initializing
func ColdStartNotice() Notice {
	return Notice{Type: NoticeColdStart, Message: "Server is initializing. Please wait."}
}

// Encode serializes the notice
func (n Notice) Encode() []byte {
	data, _ := json.Marshal(n)
	return data
}
