package domain

import (
	"time"

	"github.com/google/uuid"
)

type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

// CallStatus is the lifecycle state of one call attempt.
type CallStatus string

const (
	StatusInitiating CallStatus = "initiating"
	StatusRinging    CallStatus = "ringing"
	StatusActive     CallStatus = "active"
	StatusEnded      CallStatus = "ended"
	StatusDeclined   CallStatus = "declined"
	StatusMissed     CallStatus = "missed"
)

// Terminal reports whether no further transition is allowed from s.
func (s CallStatus) Terminal() bool {
	return s == StatusEnded || s == StatusDeclined || s == StatusMissed
}

// transitions is the directed graph of allowed status changes.
var transitions = map[CallStatus][]CallStatus{
	StatusInitiating: {StatusRinging},
	StatusRinging:    {StatusActive, StatusDeclined, StatusMissed},
	StatusActive:     {StatusEnded},
}

func CanTransition(from, to CallStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CallSession is the authoritative record of one call attempt.
// StartedAt is stamped exactly once on entering active; EndedAt exactly
// once on entering a terminal state other than active.
type CallSession struct {
	ID              string     `json:"id"`
	InitiatorID     UserID     `json:"initiator_id"`
	RecipientID     UserID     `json:"recipient_id"`
	Type            CallType   `json:"call_type"`
	Status          CallStatus `json:"status"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	CreatedAt       time.Time  `json:"created_at"`
}

// NewCallSession builds a session in the initial state with a fresh ID.
func NewCallSession(initiator, recipient UserID, ct CallType) *CallSession {
	return &CallSession{
		ID:          uuid.NewString(),
		InitiatorID: initiator,
		RecipientID: recipient,
		Type:        ct,
		Status:      StatusInitiating,
		CreatedAt:   time.Now(),
	}
}

// Peer returns the other participant of the session.
func (s *CallSession) Peer(self UserID) UserID {
	if s.InitiatorID == self {
		return s.RecipientID
	}
	return s.InitiatorID
}
