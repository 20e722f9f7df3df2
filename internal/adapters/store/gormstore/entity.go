package gormstore

import (
	"time"

	"github.com/dkeye/Call/internal/domain"
)

type callSessionRow struct {
	ID              string `gorm:"type:uuid;primaryKey"`
	InitiatorID     string `gorm:"size:64;not null;index"`
	RecipientID     string `gorm:"size:64;not null;index"`
	CallType        string `gorm:"size:10;not null"`
	Status          string `gorm:"size:16;not null;index"`
	StartedAt       *time.Time
	EndedAt         *time.Time
	DurationSeconds int       `gorm:"not null;default:0"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

func (callSessionRow) TableName() string { return "call_sessions" }

// callHistoryRow carries the unique-per-call constraint the upsert
// logic relies on: a double insert fails at the database.
type callHistoryRow struct {
	ID              uint      `gorm:"primaryKey"`
	CallID          string    `gorm:"type:uuid;not null;uniqueIndex"`
	InitiatorID     string    `gorm:"size:64;not null;index"`
	RecipientID     string    `gorm:"size:64;not null;index"`
	CallType        string    `gorm:"size:10;not null"`
	DurationSeconds int       `gorm:"not null;default:0"`
	Status          string    `gorm:"size:16;not null"`
	EventType       string    `gorm:"size:20;not null"`
	IsRead          bool      `gorm:"not null;default:false"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

func (callHistoryRow) TableName() string { return "call_history" }

func sessionToRow(s *domain.CallSession) *callSessionRow {
	return &callSessionRow{
		ID:              s.ID,
		InitiatorID:     string(s.InitiatorID),
		RecipientID:     string(s.RecipientID),
		CallType:        string(s.Type),
		Status:          string(s.Status),
		StartedAt:       s.StartedAt,
		EndedAt:         s.EndedAt,
		DurationSeconds: s.DurationSeconds,
		CreatedAt:       s.CreatedAt,
	}
}

func rowToSession(r *callSessionRow) *domain.CallSession {
	return &domain.CallSession{
		ID:              r.ID,
		InitiatorID:     domain.UserID(r.InitiatorID),
		RecipientID:     domain.UserID(r.RecipientID),
		Type:            domain.CallType(r.CallType),
		Status:          domain.CallStatus(r.Status),
		StartedAt:       r.StartedAt,
		EndedAt:         r.EndedAt,
		DurationSeconds: r.DurationSeconds,
		CreatedAt:       r.CreatedAt,
	}
}

func historyToRow(e *domain.CallHistoryEntry) *callHistoryRow {
	return &callHistoryRow{
		CallID:          e.CallID,
		InitiatorID:     string(e.InitiatorID),
		RecipientID:     string(e.RecipientID),
		CallType:        string(e.Type),
		DurationSeconds: e.DurationSeconds,
		Status:          string(e.Status),
		EventType:       string(e.EventType),
		IsRead:          e.IsRead,
	}
}

func rowToHistory(r *callHistoryRow) *domain.CallHistoryEntry {
	return &domain.CallHistoryEntry{
		CallID:          r.CallID,
		InitiatorID:     domain.UserID(r.InitiatorID),
		RecipientID:     domain.UserID(r.RecipientID),
		Type:            domain.CallType(r.CallType),
		DurationSeconds: r.DurationSeconds,
		Status:          domain.CallStatus(r.Status),
		EventType:       domain.HistoryEventType(r.EventType),
		IsRead:          r.IsRead,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}
