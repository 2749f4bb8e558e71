package models

import (
	"encoding/json"
	"time"
)

// CallStatus is the lifecycle state of a persisted call record.
// Keep values stable because they are part of the public API.
type CallStatus string

const (
	CallStatusPending  CallStatus = "pending"
	CallStatusActive   CallStatus = "active"
	CallStatusEnded    CallStatus = "ended"
	CallStatusRejected CallStatus = "rejected"
)

// Terminal reports whether the status admits no further transitions.
func (s CallStatus) Terminal() bool {
	return s == CallStatusEnded || s == CallStatusRejected
}

// EndReason is the client-supplied reason for terminating a call.
type EndReason string

const (
	EndReasonEnded    EndReason = "ended"
	EndReasonRejected EndReason = "rejected"
	EndReasonTimeout  EndReason = "timeout"
)

// Status maps the reason onto the persisted record status. A ring timeout
// is stored as a regular ended call.
func (r EndReason) Status() CallStatus {
	if r == EndReasonRejected {
		return CallStatusRejected
	}
	return CallStatusEnded
}

func (r EndReason) Valid() bool {
	switch r {
	case EndReasonEnded, EndReasonRejected, EndReasonTimeout:
		return true
	}
	return false
}

// CallRecord is the durable, server-owned record of a one-to-one call.
// The ID is generated by the initiator before the record exists so the
// receiver can subscribe to call-scoped updates before any signal is sent.
type CallRecord struct {
	ID             string          `gorm:"primaryKey" json:"id"`
	ConversationID string          `gorm:"index" json:"conversation_id"`
	InitiatorID    string          `gorm:"index" json:"initiator_id"`
	ReceiverID     string          `gorm:"index" json:"receiver_id"`
	Status         CallStatus      `gorm:"index" json:"status"`
	Offer          json.RawMessage `json:"offer,omitempty"`
	Answer         json.RawMessage `json:"answer,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
