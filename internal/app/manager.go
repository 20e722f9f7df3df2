package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

// MediaNotice pairs a negotiator event with the call it belongs to so
// one subscription covers all of a client's calls.
type MediaNotice struct {
	CallID string
	Event  core.MediaEvent
}

// Manager is the client-side call orchestrator for one identity: it
// owns per-call state (ring timer, negotiator, accepted guard) and
// watches the store change feed for incoming calls and status moves.
type Manager struct {
	self    domain.UserID
	svc     *CallService
	store   core.Store
	bus     core.SignalBus
	negFn   core.NegotiatorFactory
	ringFor time.Duration

	mu    sync.Mutex
	calls map[string]*callState

	incoming chan *domain.CallSession
	status   chan *domain.CallSession
	media    chan MediaNotice

	done      chan struct{}
	closeOnce sync.Once
	stopWatch func()
}

// callState lives from first ring to terminal state.
type callState struct {
	mu sync.Mutex

	session *domain.CallSession
	// accepted resolves the accept/timeout race: checked and set under
	// mu with no suspension point in between.
	accepted bool
	timer    *RingTimer
	neg      core.Negotiator
	negStop  context.CancelFunc

	connectedAt time.Time
	down        bool
}

func NewManager(self domain.UserID, svc *CallService, store core.Store, bus core.SignalBus, negFn core.NegotiatorFactory, ringFor time.Duration) *Manager {
	return &Manager{
		self:     self,
		svc:      svc,
		store:    store,
		bus:      bus,
		negFn:    negFn,
		ringFor:  ringFor,
		calls:    make(map[string]*callState),
		incoming: make(chan *domain.CallSession, 8),
		status:   make(chan *domain.CallSession, 16),
		media:    make(chan MediaNotice, 32),
		done:     make(chan struct{}),
	}
}

// Start subscribes to the store change feed and begins dispatching.
func (m *Manager) Start(ctx context.Context) error {
	if m.self == "" {
		return core.ErrAuthRequired
	}
	ch, cancel := m.store.WatchSessions(ctx)
	m.stopWatch = cancel
	go m.run(ctx, ch)
	log.Info().Str("module", "app.manager").Str("self", string(m.self)).Msg("call manager started")
	return nil
}

// Close hangs up everything this client is tracking and stops the
// watch loop. Safe to call multiple times.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		if m.stopWatch != nil {
			m.stopWatch()
		}
		m.mu.Lock()
		ids := make([]string, 0, len(m.calls))
		for id := range m.calls {
			ids = append(ids, id)
		}
		m.mu.Unlock()
		for _, id := range ids {
			m.teardown(id)
		}
	})
}

// Incoming delivers sessions that started ringing for this identity.
func (m *Manager) Incoming() <-chan *domain.CallSession { return m.incoming }

// Status delivers every observed status change on this identity's calls.
func (m *Manager) Status() <-chan *domain.CallSession { return m.status }

// Media delivers connection-state changes, remote tracks and errors.
func (m *Manager) Media() <-chan MediaNotice { return m.media }

// RingRemaining exposes the countdown of a ringing call for display.
func (m *Manager) RingRemaining(callID string) (<-chan int, bool) {
	cs, ok := m.get(callID)
	if !ok {
		return nil, false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.timer == nil {
		return nil, false
	}
	return cs.timer.Remaining(), true
}

// Initiate starts an outbound call and tracks it until terminal.
func (m *Manager) Initiate(ctx context.Context, recipient domain.UserID, ct domain.CallType) (*domain.CallSession, error) {
	sess, err := m.svc.Initiate(ctx, m.self, recipient, ct)
	if err != nil {
		return nil, err
	}
	if err := m.bus.OpenTopic(sess.ID); err != nil {
		log.Error().Err(err).Str("module", "app.manager").Str("call_id", sess.ID).Msg("open topic")
	}
	m.track(sess)
	return sess, nil
}

// Accept answers a ringing incoming call. The guard is set before any
// other side effect so a concurrently firing ring timer is a no-op.
func (m *Manager) Accept(ctx context.Context, callID string) error {
	cs, err := m.load(ctx, callID)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	if cs.accepted {
		cs.mu.Unlock()
		return core.ErrInvalidTransition
	}
	cs.accepted = true
	timer := cs.timer
	cs.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	updated, err := m.svc.Accept(ctx, callID)
	if err != nil {
		if errors.Is(err, core.ErrInvalidTransition) {
			// Lost the race against a remote decline/missed; release
			// everything, the terminal notification handles the rest.
			m.teardown(callID)
			return err
		}
		// Transient failure (store down, context cancelled): clear the
		// guard so the recipient can retry accepting or reject instead.
		cs.mu.Lock()
		cs.accepted = false
		cs.mu.Unlock()
		return err
	}

	cs.mu.Lock()
	cs.session = updated
	cs.mu.Unlock()

	return m.startNegotiator(ctx, cs, updated, false)
}

// Reject declines a ringing incoming call. Invalid once accepted.
func (m *Manager) Reject(ctx context.Context, callID string) error {
	if cs, ok := m.get(callID); ok {
		cs.mu.Lock()
		accepted := cs.accepted
		timer := cs.timer
		cs.mu.Unlock()
		if accepted {
			return core.ErrInvalidTransition
		}
		if timer != nil {
			timer.Stop()
		}
	}
	_, err := m.svc.Reject(ctx, callID)
	m.teardown(callID)
	return err
}

// End hangs up an active call with the measured duration. Idempotent:
// ending an already-terminal call changes nothing.
func (m *Manager) End(ctx context.Context, callID string, durationSeconds int) error {
	sess, err := m.svc.End(ctx, callID, durationSeconds)
	if err != nil && !errors.Is(err, core.ErrInvalidTransition) {
		return err
	}
	if sess != nil {
		// Prompt the peer to tear down without waiting for the feed.
		m.bus.Publish(ctx, &domain.SignalEnvelope{
			CallID: callID,
			From:   m.self,
			To:     sess.Peer(m.self),
			Kind:   domain.SignalHangup,
		})
	}
	m.teardown(callID)
	return nil
}

// ToggleAudio mutes/unmutes the local audio of an active call.
func (m *Manager) ToggleAudio(callID string, enabled bool) error {
	cs, ok := m.get(callID)
	if !ok {
		return core.ErrSessionNotFound
	}
	cs.mu.Lock()
	neg := cs.neg
	cs.mu.Unlock()
	if neg == nil {
		return core.ErrSessionNotFound
	}
	neg.ToggleAudio(enabled)
	return nil
}

func (m *Manager) run(ctx context.Context, ch <-chan core.SessionChange) {
	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case chg, ok := <-ch:
			if !ok {
				return
			}
			m.apply(ctx, chg)
		}
	}
}

func (m *Manager) apply(ctx context.Context, chg core.SessionChange) {
	sess := chg.New
	if sess == nil {
		return
	}
	if sess.InitiatorID != m.self && sess.RecipientID != m.self {
		return
	}

	switch sess.Status {
	case domain.StatusRinging:
		if sess.RecipientID == m.self {
			m.onRinging(sess)
		}
	case domain.StatusActive:
		m.onActive(ctx, sess)
	case domain.StatusEnded, domain.StatusDeclined, domain.StatusMissed:
		m.teardown(sess.ID)
	}
	m.emitStatus(sess)
}

// onRinging arms the auto-reject countdown and surfaces the incoming
// call. Idempotent: the insert and the ringing update both notify.
func (m *Manager) onRinging(sess *domain.CallSession) {
	m.mu.Lock()
	if _, ok := m.calls[sess.ID]; ok {
		m.mu.Unlock()
		return
	}
	cs := &callState{session: sess}
	m.calls[sess.ID] = cs
	m.mu.Unlock()

	if err := m.bus.OpenTopic(sess.ID); err != nil {
		log.Error().Err(err).Str("module", "app.manager").Str("call_id", sess.ID).Msg("open topic")
	}

	callID := sess.ID
	cs.mu.Lock()
	cs.timer = StartRingTimer(m.ringFor, func() { m.handleTimeout(callID) })
	cs.mu.Unlock()

	log.Info().
		Str("module", "app.manager").
		Str("call_id", sess.ID).
		Str("from", string(sess.InitiatorID)).
		Msg("incoming call ringing")

	select {
	case m.incoming <- sess:
	default:
		log.Warn().Str("module", "app.manager").Str("call_id", sess.ID).Msg("incoming listener full, dropping")
	}
}

// onActive starts the initiator's negotiator once the recipient has
// accepted. The recipient's negotiator is started by Accept directly.
func (m *Manager) onActive(ctx context.Context, sess *domain.CallSession) {
	cs, ok := m.get(sess.ID)
	if !ok {
		return
	}
	cs.mu.Lock()
	cs.session = sess
	running := cs.neg != nil
	cs.mu.Unlock()
	if running || sess.InitiatorID != m.self {
		return
	}
	if err := m.startNegotiator(ctx, cs, sess, true); err != nil {
		log.Error().Err(err).Str("module", "app.manager").Str("call_id", sess.ID).Msg("negotiator start")
	}
}

// handleTimeout is the ring timer's expiry path.
func (m *Manager) handleTimeout(callID string) {
	cs, ok := m.get(callID)
	if !ok {
		return
	}
	cs.mu.Lock()
	if cs.accepted {
		cs.mu.Unlock()
		log.Info().Str("module", "app.manager").Str("call_id", callID).Msg("timeout after accept, ignoring")
		return
	}
	cs.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.svc.Timeout(ctx, callID); err != nil && !errors.Is(err, core.ErrInvalidTransition) {
		log.Error().Err(err).Str("module", "app.manager").Str("call_id", callID).Msg("mark missed")
	}
	m.teardown(callID)
}

func (m *Manager) startNegotiator(ctx context.Context, cs *callState, sess *domain.CallSession, initiator bool) error {
	neg, err := m.negFn(sess.ID, m.self, sess.Peer(m.self), sess.Type == domain.CallVideo, initiator)
	if err != nil {
		log.Error().Err(err).Str("module", "app.manager").Str("call_id", sess.ID).Msg("create negotiator")
		_ = m.End(ctx, sess.ID, 0)
		return err
	}

	negCtx, cancel := context.WithCancel(context.Background())
	cs.mu.Lock()
	cs.neg = neg
	cs.negStop = cancel
	cs.mu.Unlock()

	if err := neg.Start(negCtx); err != nil {
		// Media permission/device errors abort the attempt, no retry.
		log.Error().Err(err).Str("module", "app.manager").Str("call_id", sess.ID).Msg("negotiator start")
		_ = m.End(ctx, sess.ID, 0)
		return err
	}

	go m.pumpMedia(sess.ID, cs, neg)
	return nil
}

// pumpMedia forwards negotiator events and forces an end transition on
// terminal connection failure so the session never dangles.
func (m *Manager) pumpMedia(callID string, cs *callState, neg core.Negotiator) {
	for ev := range neg.Events() {
		switch ev.Kind {
		case core.MediaState:
			if ev.State == core.ConnConnected {
				cs.mu.Lock()
				if cs.connectedAt.IsZero() {
					cs.connectedAt = time.Now()
				}
				cs.mu.Unlock()
			}
		case core.MediaError:
			log.Warn().Err(ev.Err).Str("module", "app.manager").Str("call_id", callID).Msg("connection failed, ending call")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = m.End(ctx, callID, m.bestDuration(cs))
			cancel()
		case core.MediaClosed:
			// Remote hangup or local stop; make sure the session is
			// terminal either way.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = m.End(ctx, callID, m.bestDuration(cs))
			cancel()
		}
		select {
		case m.media <- MediaNotice{CallID: callID, Event: ev}:
		default:
		}
		if ev.Kind == core.MediaClosed {
			return
		}
	}
}

// bestDuration is the fallback duration when the UI cannot report one:
// seconds since media connected, zero if it never did.
func (m *Manager) bestDuration(cs *callState) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.connectedAt.IsZero() {
		return 0
	}
	return int(time.Since(cs.connectedAt) / time.Second)
}

func (m *Manager) track(sess *domain.CallSession) *callState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok := m.calls[sess.ID]; ok {
		return cs
	}
	cs := &callState{session: sess}
	m.calls[sess.ID] = cs
	return cs
}

func (m *Manager) get(callID string) (*callState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.calls[callID]
	return cs, ok
}

// load returns the tracked state for callID, re-hydrating from the
// store when this client restarted mid-ring.
func (m *Manager) load(ctx context.Context, callID string) (*callState, error) {
	if cs, ok := m.get(callID); ok {
		return cs, nil
	}
	sess, err := m.store.GetSession(ctx, callID)
	if err != nil {
		return nil, err
	}
	if err := m.bus.OpenTopic(callID); err != nil {
		log.Error().Err(err).Str("module", "app.manager").Str("call_id", callID).Msg("open topic")
	}
	return m.track(sess), nil
}

// teardown releases everything attached to a call: timer, negotiator,
// signaling topic, tracking entry. Safe when the call is unknown or
// already down.
func (m *Manager) teardown(callID string) {
	m.mu.Lock()
	cs, ok := m.calls[callID]
	if ok {
		delete(m.calls, callID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	cs.mu.Lock()
	if cs.down {
		cs.mu.Unlock()
		return
	}
	cs.down = true
	timer := cs.timer
	neg := cs.neg
	stop := cs.negStop
	cs.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if neg != nil {
		neg.Stop()
	}
	if stop != nil {
		stop()
	}
	m.bus.CloseTopic(callID)
	m.svc.Recorder().Forget(callID)
	log.Info().Str("module", "app.manager").Str("call_id", callID).Msg("call torn down")
}

func (m *Manager) emitStatus(sess *domain.CallSession) {
	select {
	case m.status <- sess:
	default:
	}
}
