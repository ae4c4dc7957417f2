package hub

import (
	"encoding/json"

	"call_dashboard/internal/calls"
	"call_dashboard/internal/leads"
)

// MessageType is the "type" discriminator viewers switch on.
type MessageType string

const (
	TypeCallUpdate          MessageType = "call_update"
	TypeCallEnded           MessageType = "call_ended"
	TypeDispositionUpdate   MessageType = "disposition_update"
	TypeDispositionSnapshot MessageType = "disposition_snapshot"
)

// Message is the envelope broadcast to viewers. Call messages always carry
// the full call snapshot so a viewer can render from the latest one alone.
type Message struct {
	Type        MessageType       `json:"type"`
	CallID      string            `json:"call_id,omitempty"`
	Call        *calls.CallState  `json:"call,omitempty"`
	Disposition leads.Disposition `json:"disposition,omitempty"`
	Leads       *leads.Ledger     `json:"leads,omitempty"`
}

func CallUpdate(c calls.CallState) Message {
	return Message{Type: TypeCallUpdate, Call: &c}
}

func CallEnded(c calls.CallState) Message {
	return Message{Type: TypeCallEnded, CallID: c.CallID, Call: &c}
}

func DispositionUpdate(callID string, d leads.Disposition) Message {
	return Message{Type: TypeDispositionUpdate, CallID: callID, Disposition: d}
}

func DispositionSnapshot(l leads.Ledger) Message {
	return Message{Type: TypeDispositionSnapshot, Leads: &l}
}

// Encode renders the wire form of m.
func (m Message) Encode() ([]byte, error) { return json.Marshal(m) }
