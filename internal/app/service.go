package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

// CallService applies call state transitions against the store and
// keeps the history ledger in step. Transition validity is enforced by
// the store, so concurrent operations are safe: the loser of a race
// gets ErrInvalidTransition.
type CallService struct {
	store    core.Store
	recorder *HistoryRecorder
}

func NewCallService(store core.Store, recorder *HistoryRecorder) *CallService {
	return &CallService{store: store, recorder: recorder}
}

func (s *CallService) Recorder() *HistoryRecorder { return s.recorder }

// Initiate creates a session in initiating and immediately moves it to
// ringing, which is what notifies the recipient's client.
func (s *CallService) Initiate(ctx context.Context, initiator, recipient domain.UserID, ct domain.CallType) (*domain.CallSession, error) {
	if initiator == "" {
		return nil, core.ErrAuthRequired
	}
	sess := domain.NewCallSession(initiator, recipient, ct)
	if err := s.store.InsertSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("%w: insert session: %v", core.ErrPersistenceFailure, err)
	}

	ringing := domain.StatusRinging
	updated, err := s.store.UpdateSession(ctx, sess.ID, core.SessionPatch{Status: &ringing})
	if err != nil {
		return nil, fmt.Errorf("%w: ring session %s: %v", core.ErrPersistenceFailure, sess.ID, err)
	}

	log.Info().
		Str("module", "app.call").
		Str("call_id", updated.ID).
		Str("initiator", string(initiator)).
		Str("recipient", string(recipient)).
		Str("type", string(ct)).
		Msg("call initiated")
	return updated, nil
}

// Accept moves a ringing session to active, stamps StartedAt and
// records the call_started event.
func (s *CallService) Accept(ctx context.Context, callID string) (*domain.CallSession, error) {
	active := domain.StatusActive
	now := time.Now()
	updated, err := s.store.UpdateSession(ctx, callID, core.SessionPatch{
		Status:    &active,
		StartedAt: &now,
	})
	if err != nil {
		return nil, s.transitionErr("accept", callID, err)
	}

	if err := s.recorder.Upsert(ctx, updated, domain.EventCallStarted, 0); err != nil {
		// The session is already active; a history failure must not
		// undo the accept.
		log.Warn().Err(err).Str("module", "app.call").Str("call_id", callID).Msg("could not record call_started")
	}
	return updated, nil
}

// Reject moves a ringing session to declined.
func (s *CallService) Reject(ctx context.Context, callID string) (*domain.CallSession, error) {
	declined := domain.StatusDeclined
	now := time.Now()
	updated, err := s.store.UpdateSession(ctx, callID, core.SessionPatch{
		Status:  &declined,
		EndedAt: &now,
	})
	if err != nil {
		return nil, s.transitionErr("reject", callID, err)
	}
	if err := s.recorder.Upsert(ctx, updated, domain.EventCallDeclined, 0); err != nil {
		return nil, err
	}
	return updated, nil
}

// End moves an active session to ended with the measured duration.
// Calling it on an already-terminal session is a no-op: the first
// writer's duration sticks.
func (s *CallService) End(ctx context.Context, callID string, durationSeconds int) (*domain.CallSession, error) {
	if durationSeconds < 0 {
		return nil, core.ErrInvalidDuration
	}
	current, err := s.store.GetSession(ctx, callID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return current, nil
	}

	ended := domain.StatusEnded
	now := time.Now()
	updated, err := s.store.UpdateSession(ctx, callID, core.SessionPatch{
		Status:          &ended,
		EndedAt:         &now,
		DurationSeconds: &durationSeconds,
	})
	if err != nil {
		return nil, s.transitionErr("end", callID, err)
	}
	if err := s.recorder.Upsert(ctx, updated, domain.EventCallEnded, durationSeconds); err != nil {
		return nil, err
	}
	return updated, nil
}

// Timeout marks an unanswered ringing session as missed. The caller is
// responsible for checking the accepted guard first; here the store's
// transition check is the backstop against a concurrent accept that
// already won.
func (s *CallService) Timeout(ctx context.Context, callID string) (*domain.CallSession, error) {
	missed := domain.StatusMissed
	now := time.Now()
	updated, err := s.store.UpdateSession(ctx, callID, core.SessionPatch{
		Status:  &missed,
		EndedAt: &now,
	})
	if err != nil {
		return nil, s.transitionErr("timeout", callID, err)
	}
	if err := s.recorder.Upsert(ctx, updated, domain.EventCallMissed, 0); err != nil {
		return nil, err
	}
	return updated, nil
}

// Get returns a session by ID.
func (s *CallService) Get(ctx context.Context, callID string) (*domain.CallSession, error) {
	return s.store.GetSession(ctx, callID)
}

// Ongoing lists the user's non-terminal sessions.
func (s *CallService) Ongoing(ctx context.Context, user domain.UserID) ([]domain.CallSession, error) {
	return s.store.ListSessionsByUser(ctx, user,
		domain.StatusInitiating, domain.StatusRinging, domain.StatusActive)
}

func (s *CallService) transitionErr(op, callID string, err error) error {
	if errors.Is(err, core.ErrInvalidTransition) {
		// Normal race outcome: the peer or the timer got there first.
		log.Info().
			Str("module", "app.call").
			Str("call_id", callID).
			Str("op", op).
			Msg("transition lost race, ignoring")
		return core.ErrInvalidTransition
	}
	if errors.Is(err, core.ErrSessionNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %v", core.ErrPersistenceFailure, op, callID, err)
}
