package rtc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	membus "github.com/dkeye/Call/internal/adapters/signal/memory"
	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

type fakeLink struct {
	mu            sync.Mutex
	added         []domain.ICECandidate
	offersHandled int
	answerHandled bool
	closed        bool

	onICE   func(domain.ICECandidate)
	onState func(core.ConnState)
	onTrack func(*webrtc.TrackRemote)
}

func (l *fakeLink) Start(context.Context) error { return nil }

func (l *fakeLink) CreateOffer() (string, error) { return "offer-sdp", nil }

func (l *fakeLink) HandleOffer(string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offersHandled++
	return "answer-sdp", nil
}

func (l *fakeLink) HandleAnswer(string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answerHandled = true
	return nil
}

func (l *fakeLink) AddICECandidate(c domain.ICECandidate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.added = append(l.added, c)
	return nil
}

func (l *fakeLink) ToggleAudio(bool) {}

func (l *fakeLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

func (l *fakeLink) OnICECandidate(fn func(domain.ICECandidate)) { l.onICE = fn }
func (l *fakeLink) OnStateChange(fn func(core.ConnState))       { l.onState = fn }
func (l *fakeLink) OnTrack(fn func(*webrtc.TrackRemote))        { l.onTrack = fn }

func (l *fakeLink) candidates() []domain.ICECandidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.ICECandidate, len(l.added))
	copy(out, l.added)
	return out
}

func cand(s string) *domain.ICECandidate {
	return &domain.ICECandidate{Candidate: s}
}

func startNegotiator(t *testing.T, initiator bool) (*Negotiator, *fakeLink) {
	t.Helper()
	bus := membus.New()
	if err := bus.OpenTopic("c1"); err != nil {
		t.Fatal(err)
	}
	link := &fakeLink{}
	n := newNegotiator("c1", "alice", "bob", initiator, bus, link)
	if err := n.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(n.Stop)
	return n, link
}

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	n, link := startNegotiator(t, true)

	n.onSignal(&domain.SignalEnvelope{CallID: "c1", From: "bob", To: "alice", Kind: domain.SignalCandidate, Candidate: cand("one")})
	n.onSignal(&domain.SignalEnvelope{CallID: "c1", From: "bob", To: "alice", Kind: domain.SignalCandidate, Candidate: cand("two")})

	if got := link.candidates(); len(got) != 0 {
		t.Fatalf("candidates applied before remote description: %v", got)
	}

	n.onSignal(&domain.SignalEnvelope{CallID: "c1", From: "bob", To: "alice", Kind: domain.SignalAnswer, SDP: "answer-sdp"})

	got := link.candidates()
	if len(got) != 2 || got[0].Candidate != "one" || got[1].Candidate != "two" {
		t.Fatalf("queued candidates not flushed in order: %v", got)
	}

	// After the remote description, candidates bypass the queue.
	n.onSignal(&domain.SignalEnvelope{CallID: "c1", From: "bob", To: "alice", Kind: domain.SignalCandidate, Candidate: cand("three")})
	got = link.candidates()
	if len(got) != 3 || got[2].Candidate != "three" {
		t.Fatalf("late candidate not applied directly: %v", got)
	}
}

func TestEnvelopesForPeerIgnored(t *testing.T) {
	n, link := startNegotiator(t, true)

	// The topic echoes our own messages; To filters them out.
	n.onSignal(&domain.SignalEnvelope{CallID: "c1", From: "alice", To: "bob", Kind: domain.SignalCandidate, Candidate: cand("own")})
	n.onSignal(&domain.SignalEnvelope{CallID: "c1", From: "alice", To: "bob", Kind: domain.SignalAnswer, SDP: "x"})

	if link.answerHandled {
		t.Fatal("handled an answer addressed to the peer")
	}
	if len(link.candidates()) != 0 {
		t.Fatal("queued a candidate addressed to the peer")
	}
}

func TestCalleeAnswersAndRepeatsOnDuplicateOffer(t *testing.T) {
	n, link := startNegotiator(t, false)

	var mu sync.Mutex
	var answers []string
	cancel := n.bus.Subscribe("c1", func(env *domain.SignalEnvelope) {
		if env.Kind == domain.SignalAnswer && env.To == "bob" {
			mu.Lock()
			answers = append(answers, env.SDP)
			mu.Unlock()
		}
	})
	defer cancel()

	offer := &domain.SignalEnvelope{CallID: "c1", From: "bob", To: "alice", Kind: domain.SignalOffer, SDP: "offer-sdp"}
	n.onSignal(offer)
	n.onSignal(offer)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		count := len(answers)
		mu.Unlock()
		if count >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 answers, got %d", count)
		}
		time.Sleep(10 * time.Millisecond)
	}

	link.mu.Lock()
	handled := link.offersHandled
	link.mu.Unlock()
	if handled != 1 {
		t.Fatalf("duplicate offer renegotiated: %d HandleOffer calls", handled)
	}
}

func TestRemoteHangupClosesNegotiator(t *testing.T) {
	n, link := startNegotiator(t, false)

	n.onSignal(&domain.SignalEnvelope{CallID: "c1", From: "bob", To: "alice", Kind: domain.SignalHangup})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-n.Events():
			if !ok || ev.Kind == core.MediaClosed {
				link.mu.Lock()
				closed := link.closed
				link.mu.Unlock()
				if !closed {
					t.Fatal("link not closed on hangup")
				}
				return
			}
		case <-deadline:
			t.Fatal("no close event after hangup")
		}
	}
}

func TestStopIdempotent(t *testing.T) {
	n, _ := startNegotiator(t, false)
	n.Stop()
	n.Stop()
}
