package calls

import (
	"fmt"
	"time"
)

// Status is the lifecycle position of a call. Transitions only move forward.
type Status string

const (
	StatusIncoming   Status = "incoming"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

func (s Status) rank() int {
	switch s {
	case StatusIncoming:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the three known statuses.
func (s Status) Valid() bool { return s.rank() >= 0 }

// ParseStatus converts a wire value into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// Role identifies the speaker of a transcript line.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

func (r Role) Valid() bool { return r == RoleUser || r == RoleAgent }

// TranscriptEntry is one utterance in a call transcript.
type TranscriptEntry struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// CallState is a self-contained snapshot of one call. Values handed out by the
// Registry are copies; mutating them never affects the registry.
type CallState struct {
	CallID     string            `json:"call_id"`
	FromNumber string            `json:"from_number"`
	ToNumber   string            `json:"to_number"`
	StartTime  time.Time         `json:"start_time"`
	Status     Status            `json:"status"`
	Transcript []TranscriptEntry `json:"transcript"`
}

func (c *CallState) clone() CallState {
	out := *c
	out.Transcript = make([]TranscriptEntry, len(c.Transcript))
	copy(out.Transcript, c.Transcript)
	return out
}
