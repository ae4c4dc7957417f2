package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Kind tags an inbound voice-agent notification.
type Kind string

const (
	KindCallStarted   Kind = "call_started"
	KindTranscription Kind = "transcription_received"
	KindAgentResponse Kind = "agent_response"
	KindCallEnded     Kind = "call_ended"
)

var (
	ErrInvalidEvent = errors.New("invalid event")
	ErrUnknownKind  = errors.New("unknown event kind")
)

// Event is one inbound notification from the voice-agent runtime. Which
// optional fields are meaningful depends on Kind.
type Event struct {
	Kind       Kind      `json:"kind"`
	CallID     string    `json:"call_id"`
	Timestamp  time.Time `json:"timestamp"`
	Content    string    `json:"content,omitempty"`
	FromNumber string    `json:"from_number,omitempty"`
	ToNumber   string    `json:"to_number,omitempty"`
}

// Validate checks the fields required by the event kind. Unknown kinds
// return ErrUnknownKind so callers can log and skip them.
func (e Event) Validate() error {
	if strings.TrimSpace(e.CallID) == "" {
		return fmt.Errorf("%w: call_id is required", ErrInvalidEvent)
	}
	switch e.Kind {
	case KindCallStarted, KindCallEnded:
		return nil
	case KindTranscription, KindAgentResponse:
		if e.Content == "" {
			return fmt.Errorf("%w: %s requires content", ErrInvalidEvent, e.Kind)
		}
		return nil
	case "":
		return fmt.Errorf("%w: kind is required", ErrInvalidEvent)
	default:
		return fmt.Errorf("%w %q", ErrUnknownKind, e.Kind)
	}
}

// timestamp layouts accepted on the wire, most specific first
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func parseTimestamp(v string) (time.Time, error) {
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrInvalidEvent, v)
}

type wireEvent struct {
	Kind       Kind   `json:"kind"`
	CallID     string `json:"call_id"`
	Timestamp  string `json:"timestamp"`
	Content    string `json:"content"`
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
}

// Decode reads exactly one JSON event. A missing timestamp is filled with now.
// The result is not validated; unknown kinds decode fine.
func Decode(r io.Reader, now time.Time) (Event, error) {
	var w wireEvent
	dec := json.NewDecoder(r)
	if err := dec.Decode(&w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Event{}, fmt.Errorf("%w: trailing data after event", ErrInvalidEvent)
	}
	ev := Event{
		Kind:       w.Kind,
		CallID:     w.CallID,
		Content:    w.Content,
		FromNumber: w.FromNumber,
		ToNumber:   w.ToNumber,
		Timestamp:  now.UTC(),
	}
	if w.Timestamp != "" {
		ts, err := parseTimestamp(w.Timestamp)
		if err != nil {
			return Event{}, err
		}
		ev.Timestamp = ts
	}
	return ev, nil
}
