package domain

import "time"

// HistoryEventType is the last observed lifecycle event for a call.
// Last writer wins; the row itself is unique per call.
type HistoryEventType string

const (
	EventCallStarted  HistoryEventType = "call_started"
	EventCallDeclined HistoryEventType = "call_declined"
	EventCallMissed   HistoryEventType = "call_missed"
	EventCallEnded    HistoryEventType = "call_ended"
)

// CallHistoryEntry is the audit row for a call, at most one per CallID.
// IsRead backs the missed-call notification badge.
type CallHistoryEntry struct {
	CallID          string           `json:"call_id"`
	InitiatorID     UserID           `json:"initiator_id"`
	RecipientID     UserID           `json:"recipient_id"`
	Type            CallType         `json:"call_type"`
	DurationSeconds int              `json:"duration_seconds"`
	Status          CallStatus       `json:"status"`
	EventType       HistoryEventType `json:"event_type"`
	IsRead          bool             `json:"is_read"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}
