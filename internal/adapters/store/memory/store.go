// Package memory is the in-process Store: the same row semantics and
// change feed as the SQL store, backed by maps. Used by single-process
// deployments and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

const watcherQueue = 64

type Store struct {
	mu       sync.Mutex
	sessions map[string]*domain.CallSession
	history  map[string]*domain.CallHistoryEntry

	nextWatcher int
	watchers    map[int]chan core.SessionChange
}

var _ core.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		sessions: make(map[string]*domain.CallSession),
		history:  make(map[string]*domain.CallHistoryEntry),
		watchers: make(map[int]chan core.SessionChange),
	}
}

func cloneSession(s *domain.CallSession) *domain.CallSession {
	cp := *s
	return &cp
}

func cloneHistory(e *domain.CallHistoryEntry) *domain.CallHistoryEntry {
	cp := *e
	return &cp
}

func (st *Store) InsertSession(_ context.Context, s *domain.CallSession) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[s.ID] = cloneSession(s)
	st.notifyLocked(core.SessionChange{New: cloneSession(s)})
	return nil
}

func (st *Store) UpdateSession(_ context.Context, id string, patch core.SessionPatch) (*domain.CallSession, error) {
	st.mu.Lock()
	cur, ok := st.sessions[id]
	if !ok {
		st.mu.Unlock()
		return nil, core.ErrSessionNotFound
	}

	old := cloneSession(cur)
	if patch.Status != nil && *patch.Status != cur.Status {
		if !domain.CanTransition(cur.Status, *patch.Status) {
			st.mu.Unlock()
			return nil, core.ErrInvalidTransition
		}
		cur.Status = *patch.Status
	}
	if patch.StartedAt != nil {
		t := *patch.StartedAt
		cur.StartedAt = &t
	}
	if patch.EndedAt != nil {
		t := *patch.EndedAt
		cur.EndedAt = &t
	}
	if patch.DurationSeconds != nil {
		cur.DurationSeconds = *patch.DurationSeconds
	}

	updated := cloneSession(cur)
	st.notifyLocked(core.SessionChange{Old: old, New: cloneSession(updated)})
	st.mu.Unlock()
	return updated, nil
}

func (st *Store) GetSession(_ context.Context, id string) (*domain.CallSession, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (st *Store) ListSessionsByUser(_ context.Context, user domain.UserID, statuses ...domain.CallStatus) ([]domain.CallSession, error) {
	wanted := make(map[domain.CallStatus]struct{}, len(statuses))
	for _, s := range statuses {
		wanted[s] = struct{}{}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	var out []domain.CallSession
	for _, s := range st.sessions {
		if s.InitiatorID != user && s.RecipientID != user {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[s.Status]; !ok {
				continue
			}
		}
		out = append(out, *cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (st *Store) GetHistoryByCallID(_ context.Context, callID string) (*domain.CallHistoryEntry, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	e, ok := st.history[callID]
	if !ok {
		return nil, core.ErrHistoryNotFound
	}
	return cloneHistory(e), nil
}

func (st *Store) InsertHistory(_ context.Context, e *domain.CallHistoryEntry) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := cloneHistory(e)
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	st.history[e.CallID] = cp
	return nil
}

func (st *Store) UpdateHistoryByCallID(_ context.Context, callID string, fields core.HistoryFields) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	e, ok := st.history[callID]
	if !ok {
		return core.ErrHistoryNotFound
	}
	e.Status = fields.Status
	e.EventType = fields.EventType
	e.DurationSeconds = fields.DurationSeconds
	e.UpdatedAt = time.Now()
	return nil
}

func (st *Store) ListHistoryByUser(_ context.Context, user domain.UserID, limit int) ([]domain.CallHistoryEntry, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []domain.CallHistoryEntry
	for _, e := range st.history {
		if e.InitiatorID == user || e.RecipientID == user {
			out = append(out, *cloneHistory(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (st *Store) MarkHistoryRead(_ context.Context, callID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	e, ok := st.history[callID]
	if !ok {
		return core.ErrHistoryNotFound
	}
	e.IsRead = true
	e.UpdatedAt = time.Now()
	return nil
}

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
			// Close under the same lock notifyLocked sends under, so a
			// send can never hit a closed channel.
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

// notifyLocked is at-most-once: a full watcher queue drops the change.
func (st *Store) notifyLocked(chg core.SessionChange) {
	for _, ch := range st.watchers {
		select {
		case ch <- chg:
		default:
			log.Warn().Str("module", "store.memory").Msg("watcher queue full, dropping change")
		}
	}
}
