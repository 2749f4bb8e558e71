package models

import "encoding/json"

// SignalType enumerates the call-signal kinds carried on both delivery paths.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
	SignalHangup    SignalType = "hangup"
)

// Envelope is the signal message exchanged between call participants.
// Payload is opaque to the signaling layer: a session description for
// offer/answer, a connectivity candidate for candidate, empty for hangup.
type Envelope struct {
	Type    SignalType      `json:"type"`
	CallID  string          `json:"call_id"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
