package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

// offerRetryPeriod bounds how long the caller waits before resending an
// offer the callee may have missed (topics do not persist messages).
const offerRetryPeriod = 2 * time.Second

const maxOfferRetries = 10

// peerLink is the seam between negotiation logic and the actual peer
// connection. The production implementation wraps pion; tests drive the
// negotiator with a scripted link.
type peerLink interface {
	// Start builds the connection and acquires local media.
	Start(ctx context.Context) error
	// CreateOffer sets the local description and returns its SDP.
	CreateOffer() (string, error)
	// HandleOffer sets the remote offer and returns the local answer SDP.
	HandleOffer(sdp string) (string, error)
	// HandleAnswer sets the remote answer.
	HandleAnswer(sdp string) error
	AddICECandidate(c domain.ICECandidate) error
	ToggleAudio(enabled bool)
	Close()

	OnICECandidate(fn func(domain.ICECandidate))
	OnStateChange(fn func(core.ConnState))
	OnTrack(fn func(*webrtc.TrackRemote))
}

// Negotiator drives one call's offer/answer/ICE exchange over the
// signal bus. Candidates that arrive before the remote description are
// queued and applied in arrival order once it lands.
type Negotiator struct {
	callID    string
	self      domain.UserID
	peer      domain.UserID
	initiator bool

	bus  core.SignalBus
	link peerLink

	mu        sync.Mutex
	remoteSet bool
	pending   []domain.ICECandidate
	answerSDP string
	stopped   bool
	closed    bool

	events   chan core.MediaEvent
	unsub    func()
	stopOnce sync.Once
	cancel   context.CancelFunc
}

func newNegotiator(callID string, self, peer domain.UserID, initiator bool, bus core.SignalBus, link peerLink) *Negotiator {
	return &Negotiator{
		callID:    callID,
		self:      self,
		peer:      peer,
		initiator: initiator,
		bus:       bus,
		link:      link,
		events:    make(chan core.MediaEvent, 32),
	}
}

func (n *Negotiator) Events() <-chan core.MediaEvent { return n.events }

// Start wires the link callbacks, acquires media, subscribes to the
// call topic and, on the caller side, begins offering.
func (n *Negotiator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.link.OnICECandidate(func(c domain.ICECandidate) {
		n.bus.Publish(ctx, &domain.SignalEnvelope{
			CallID:    n.callID,
			From:      n.self,
			To:        n.peer,
			Kind:      domain.SignalCandidate,
			Candidate: &c,
		})
	})
	n.link.OnStateChange(func(s core.ConnState) {
		n.emit(core.MediaEvent{Kind: core.MediaState, State: s})
		if s == core.ConnFailed {
			n.emit(core.MediaEvent{Kind: core.MediaError, Err: core.ErrConnectionFailed})
		}
	})
	n.link.OnTrack(func(t *webrtc.TrackRemote) {
		n.emit(core.MediaEvent{Kind: core.MediaRemoteTrack, Track: t})
	})

	if err := n.link.Start(ctx); err != nil {
		cancel()
		return err
	}

	n.unsub = n.bus.Subscribe(n.callID, n.onSignal)

	if n.initiator {
		sdp, err := n.link.CreateOffer()
		if err != nil {
			return err
		}
		go n.offerLoop(ctx, sdp)
	}
	return nil
}

// offerLoop resends the offer until the answer arrives. The topic has
// no replay, so the callee may subscribe after the first send.
func (n *Negotiator) offerLoop(ctx context.Context, sdp string) {
	ticker := time.NewTicker(offerRetryPeriod)
	defer ticker.Stop()

	for attempt := 0; attempt < maxOfferRetries; attempt++ {
		n.mu.Lock()
		done := n.remoteSet || n.stopped
		n.mu.Unlock()
		if done {
			return
		}
		n.bus.Publish(ctx, &domain.SignalEnvelope{
			CallID: n.callID,
			From:   n.self,
			To:     n.peer,
			Kind:   domain.SignalOffer,
			SDP:    sdp,
		})
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
	log.Warn().Str("module", "rtc").Str("call_id", n.callID).Msg("no answer after max offer retries")
	n.emit(core.MediaEvent{Kind: core.MediaError, Err: core.ErrConnectionFailed})
}

func (n *Negotiator) onSignal(env *domain.SignalEnvelope) {
	// Topics echo to every subscriber.
	if env.To != n.self {
		return
	}
	switch env.Kind {
	case domain.SignalOffer:
		n.handleOffer(env.SDP)
	case domain.SignalAnswer:
		n.handleAnswer(env.SDP)
	case domain.SignalCandidate:
		if env.Candidate != nil {
			n.handleCandidate(*env.Candidate)
		}
	case domain.SignalHangup:
		log.Info().Str("module", "rtc").Str("call_id", n.callID).Msg("remote hangup")
		n.Stop()
	}
}

func (n *Negotiator) handleOffer(sdp string) {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	// A retried offer after we already answered: resend the stored
	// answer, the first one was probably lost.
	if n.answerSDP != "" {
		answer := n.answerSDP
		n.mu.Unlock()
		n.publishAnswer(answer)
		return
	}
	n.mu.Unlock()

	answer, err := n.link.HandleOffer(sdp)
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("call_id", n.callID).Msg("handle offer")
		n.emit(core.MediaEvent{Kind: core.MediaError, Err: core.ErrConnectionFailed})
		return
	}

	n.mu.Lock()
	n.answerSDP = answer
	n.remoteSet = true
	queued := n.takePendingLocked()
	n.mu.Unlock()

	n.applyCandidates(queued)
	n.publishAnswer(answer)
}

func (n *Negotiator) handleAnswer(sdp string) {
	n.mu.Lock()
	if n.remoteSet || n.stopped {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if err := n.link.HandleAnswer(sdp); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("call_id", n.callID).Msg("handle answer")
		n.emit(core.MediaEvent{Kind: core.MediaError, Err: core.ErrConnectionFailed})
		return
	}

	n.mu.Lock()
	n.remoteSet = true
	queued := n.takePendingLocked()
	n.mu.Unlock()

	n.applyCandidates(queued)
}

// handleCandidate queues until the remote description is set, then
// applies directly. Queued candidates keep arrival order.
func (n *Negotiator) handleCandidate(c domain.ICECandidate) {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	if !n.remoteSet {
		n.pending = append(n.pending, c)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	n.applyCandidates([]domain.ICECandidate{c})
}

func (n *Negotiator) takePendingLocked() []domain.ICECandidate {
	queued := n.pending
	n.pending = nil
	return queued
}

func (n *Negotiator) applyCandidates(cs []domain.ICECandidate) {
	for _, c := range cs {
		if err := n.link.AddICECandidate(c); err != nil {
			// A single bad candidate is not fatal, others may connect.
			log.Warn().Err(err).Str("module", "rtc").Str("call_id", n.callID).Msg("add ice candidate")
		}
	}
}

func (n *Negotiator) publishAnswer(sdp string) {
	n.bus.Publish(context.Background(), &domain.SignalEnvelope{
		CallID: n.callID,
		From:   n.self,
		To:     n.peer,
		Kind:   domain.SignalAnswer,
		SDP:    sdp,
	})
}

func (n *Negotiator) ToggleAudio(enabled bool) {
	n.link.ToggleAudio(enabled)
}

// Stop releases media and the subscription. Idempotent.
func (n *Negotiator) Stop() {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.stopped = true
		n.mu.Unlock()
		if n.unsub != nil {
			n.unsub()
		}
		if n.cancel != nil {
			n.cancel()
		}
		// May fire state callbacks; emit still accepts them here.
		n.link.Close()

		n.mu.Lock()
		select {
		case n.events <- core.MediaEvent{Kind: core.MediaClosed}:
		default:
		}
		n.closed = true
		close(n.events)
		n.mu.Unlock()
	})
}

// emit never blocks: a stalled consumer loses intermediate events, the
// channel close still signals termination.
func (n *Negotiator) emit(ev core.MediaEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.events <- ev:
	default:
		log.Warn().Str("module", "rtc").Str("call_id", n.callID).Str("kind", string(ev.Kind)).Msg("event listener full, dropping")
	}
}

// NewNegotiatorFactory builds session-scoped negotiators backed by pion
// peer connections and the given capture source.
func NewNegotiatorFactory(bus core.SignalBus, src core.MediaSource, stunServers []string) core.NegotiatorFactory {
	return func(callID string, self, peer domain.UserID, video, initiator bool) (core.Negotiator, error) {
		link, err := newPionLink(callID, src, video, stunServers)
		if err != nil {
			return nil, err
		}
		return newNegotiator(callID, self, peer, initiator, bus, link), nil
	}
}
