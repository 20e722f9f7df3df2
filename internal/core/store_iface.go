package core

import (
	"context"
	"time"

	"github.com/dkeye/Call/internal/domain"
)

// SessionPatch is a partial update of a call session row. Nil fields are
// left untouched; status changes are validated against the transition
// graph by the store so no writer can blind-overwrite a terminal row.
type SessionPatch struct {
	Status          *domain.CallStatus
	StartedAt       *time.Time
	EndedAt         *time.Time
	DurationSeconds *int
}

// HistoryFields is the mutable part of a history row on upsert.
type HistoryFields struct {
	Status          domain.CallStatus
	EventType       domain.HistoryEventType
	DurationSeconds int
}

// SessionChange is one push notification from the store change feed.
// Old is nil for inserts.
type SessionChange struct {
	Old *domain.CallSession
	New *domain.CallSession
}

// Store is the persistence collaborator: a managed row store over
// call_sessions and call_history with push notifications.
//
// The two clients of a call only ever see each other's writes through
// this interface, so every mutation must be observable via WatchSessions.
type Store interface {
	InsertSession(ctx context.Context, s *domain.CallSession) error
	// UpdateSession applies patch and returns the updated row.
	// Returns ErrInvalidTransition when patch.Status is not reachable
	// from the current status, ErrSessionNotFound for unknown ids.
	UpdateSession(ctx context.Context, id string, patch SessionPatch) (*domain.CallSession, error)
	GetSession(ctx context.Context, id string) (*domain.CallSession, error)
	// ListSessionsByUser returns sessions where user is either party,
	// optionally filtered to the given statuses.
	ListSessionsByUser(ctx context.Context, user domain.UserID, statuses ...domain.CallStatus) ([]domain.CallSession, error)

	GetHistoryByCallID(ctx context.Context, callID string) (*domain.CallHistoryEntry, error)
	InsertHistory(ctx context.Context, e *domain.CallHistoryEntry) error
	UpdateHistoryByCallID(ctx context.Context, callID string, fields HistoryFields) error
	ListHistoryByUser(ctx context.Context, user domain.UserID, limit int) ([]domain.CallHistoryEntry, error)
	MarkHistoryRead(ctx context.Context, callID string) error

	// WatchSessions subscribes to session inserts/updates. The feed is
	// at-most-once: a slow consumer may drop notifications, which the
	// state machine tolerates by re-checking current status on apply.
	WatchSessions(ctx context.Context) (<-chan SessionChange, func())
}
