// Package gormstore is the PostgreSQL Store. Transition validation runs
// inside a transaction holding a row lock, so two writers racing for the
// same session serialize at the database and the loser gets
// ErrInvalidTransition.
package gormstore

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

const watcherQueue = 64

type Store struct {
	db *gorm.DB

	mu          sync.Mutex
	nextWatcher int
	watchers    map[int]chan core.SessionChange
}

var _ core.Store = (*Store)(nil)

// Open connects, migrates both tables and returns the store.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&callSessionRow{}, &callHistoryRow{}); err != nil {
		return nil, err
	}
	log.Info().Str("module", "store.gorm").Msg("database connected")
	return &Store{db: db, watchers: make(map[int]chan core.SessionChange)}, nil
}

func (st *Store) InsertSession(ctx context.Context, s *domain.CallSession) error {
	if err := st.db.WithContext(ctx).Create(sessionToRow(s)).Error; err != nil {
		return err
	}
	st.notify(core.SessionChange{New: s})
	return nil
}

func (st *Store) UpdateSession(ctx context.Context, id string, patch core.SessionPatch) (*domain.CallSession, error) {
	var old, updated *domain.CallSession
	err := st.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row callSessionRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return core.ErrSessionNotFound
			}
			return err
		}
		old = rowToSession(&row)

		fields := map[string]any{}
		if patch.Status != nil && string(*patch.Status) != row.Status {
			if !domain.CanTransition(domain.CallStatus(row.Status), *patch.Status) {
				return core.ErrInvalidTransition
			}
			fields["status"] = string(*patch.Status)
		}
		if patch.StartedAt != nil {
			fields["started_at"] = *patch.StartedAt
		}
		if patch.EndedAt != nil {
			fields["ended_at"] = *patch.EndedAt
		}
		if patch.DurationSeconds != nil {
			fields["duration_seconds"] = *patch.DurationSeconds
		}
		if len(fields) > 0 {
			if err := tx.Model(&row).Updates(fields).Error; err != nil {
				return err
			}
		}

		var fresh callSessionRow
		if err := tx.Where("id = ?", id).First(&fresh).Error; err != nil {
			return err
		}
		updated = rowToSession(&fresh)
		return nil
	})
	if err != nil {
		return nil, err
	}

	st.notify(core.SessionChange{Old: old, New: updated})
	return updated, nil
}

func (st *Store) GetSession(ctx context.Context, id string) (*domain.CallSession, error) {
	var row callSessionRow
	if err := st.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, core.ErrSessionNotFound
		}
		return nil, err
	}
	return rowToSession(&row), nil
}

func (st *Store) ListSessionsByUser(ctx context.Context, user domain.UserID, statuses ...domain.CallStatus) ([]domain.CallSession, error) {
	q := st.db.WithContext(ctx).
		Where("initiator_id = ? OR recipient_id = ?", string(user), string(user))
	if len(statuses) > 0 {
		vals := make([]string, len(statuses))
		for i, s := range statuses {
			vals[i] = string(s)
		}
		q = q.Where("status IN ?", vals)
	}

	var rows []callSessionRow
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.CallSession, len(rows))
	for i := range rows {
		out[i] = *rowToSession(&rows[i])
	}
	return out, nil
}

func (st *Store) GetHistoryByCallID(ctx context.Context, callID string) (*domain.CallHistoryEntry, error) {
	var row callHistoryRow
	if err := st.db.WithContext(ctx).Where("call_id = ?", callID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, core.ErrHistoryNotFound
		}
		return nil, err
	}
	return rowToHistory(&row), nil
}

func (st *Store) InsertHistory(ctx context.Context, e *domain.CallHistoryEntry) error {
	return st.db.WithContext(ctx).Create(historyToRow(e)).Error
}

func (st *Store) UpdateHistoryByCallID(ctx context.Context, callID string, fields core.HistoryFields) error {
	res := st.db.WithContext(ctx).Model(&callHistoryRow{}).
		Where("call_id = ?", callID).
		Updates(map[string]any{
			"status":           string(fields.Status),
			"event_type":       string(fields.EventType),
			"duration_seconds": fields.DurationSeconds,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrHistoryNotFound
	}
	return nil
}

func (st *Store) ListHistoryByUser(ctx context.Context, user domain.UserID, limit int) ([]domain.CallHistoryEntry, error) {
	q := st.db.WithContext(ctx).
		Where("initiator_id = ? OR recipient_id = ?", string(user), string(user)).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []callHistoryRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.CallHistoryEntry, len(rows))
	for i := range rows {
		out[i] = *rowToHistory(&rows[i])
	}
	return out, nil
}

func (st *Store) MarkHistoryRead(ctx context.Context, callID string) error {
	res := st.db.WithContext(ctx).Model(&callHistoryRow{}).
		Where("call_id = ?", callID).
		Update("is_read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrHistoryNotFound
	}
	return nil
}

// WatchSessions feeds changes applied through this process. The broker
// is the single writer, so in-process fan-out covers every mutation.
func (st *Store) WatchSessions(ctx context.Context) (<-chan core.SessionChange, func()) {
	st.mu.Lock()
	id := st.nextWatcher
	st.nextWatcher++
	ch := make(chan core.SessionChange, watcherQueue)
	st.watchers[id] = ch
	st.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			st.mu.Lock()
			delete(st.watchers, id)
			close(ch)
			st.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel
}

func (st *Store) notify(chg core.SessionChange) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, ch := range st.watchers {
		select {
		case ch <- chg:
		default:
			log.Warn().Str("module", "store.gorm").Msg("watcher queue full, dropping change")
		}
	}
}
