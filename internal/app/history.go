package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

// HistoryRecorder writes the call audit ledger: exactly one row per
// call regardless of how many transitions are observed. The store has
// no atomic insert-if-absent primitive, so access is serialized per
// call ID; two concurrent writers can otherwise both observe "absent"
// and double-insert.
type HistoryRecorder struct {
	store core.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewHistoryRecorder(store core.Store) *HistoryRecorder {
	return &HistoryRecorder{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

func (r *HistoryRecorder) lockFor(callID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[callID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[callID] = l
	}
	return l
}

// Upsert inserts the history row for sess if absent, otherwise updates
// it in place. Last writer wins for status/event; row count per call
// never exceeds one.
func (r *HistoryRecorder) Upsert(ctx context.Context, sess *domain.CallSession, event domain.HistoryEventType, duration int) error {
	l := r.lockFor(sess.ID)
	l.Lock()
	defer l.Unlock()

	_, err := r.store.GetHistoryByCallID(ctx, sess.ID)
	switch {
	case err == nil:
		if err := r.store.UpdateHistoryByCallID(ctx, sess.ID, core.HistoryFields{
			Status:          sess.Status,
			EventType:       event,
			DurationSeconds: duration,
		}); err != nil {
			return fmt.Errorf("%w: update history for %s: %v", core.ErrPersistenceFailure, sess.ID, err)
		}
	case errors.Is(err, core.ErrHistoryNotFound):
		entry := &domain.CallHistoryEntry{
			CallID:          sess.ID,
			InitiatorID:     sess.InitiatorID,
			RecipientID:     sess.RecipientID,
			Type:            sess.Type,
			DurationSeconds: duration,
			Status:          sess.Status,
			EventType:       event,
		}
		if err := r.store.InsertHistory(ctx, entry); err != nil {
			return fmt.Errorf("%w: insert history for %s: %v", core.ErrPersistenceFailure, sess.ID, err)
		}
	default:
		return fmt.Errorf("%w: lookup history for %s: %v", core.ErrPersistenceFailure, sess.ID, err)
	}

	log.Info().
		Str("module", "app.history").
		Str("call_id", sess.ID).
		Str("event", string(event)).
		Int("duration", duration).
		Msg("history upserted")
	return nil
}

// List returns the user's history, newest first.
func (r *HistoryRecorder) List(ctx context.Context, user domain.UserID, limit int) ([]domain.CallHistoryEntry, error) {
	return r.store.ListHistoryByUser(ctx, user, limit)
}

// MarkRead clears the missed-call badge for one entry.
func (r *HistoryRecorder) MarkRead(ctx context.Context, callID string) error {
	return r.store.MarkHistoryRead(ctx, callID)
}

// Forget drops the per-call lock once a call is fully terminal so the
// map does not grow unbounded.
func (r *HistoryRecorder) Forget(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, callID)
}
