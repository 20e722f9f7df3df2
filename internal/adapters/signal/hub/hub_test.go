package hub

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/Call/internal/adapters/signal/ws"
	"github.com/dkeye/Call/internal/domain"
)

func startHub(t *testing.T, pingPeriod time.Duration) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := New(32768, pingPeriod)
	r := gin.New()
	ctx := context.Background()
	r.GET("/api/ws/signal", func(c *gin.Context) { h.HandleSignal(ctx, c) })

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"
}

func dial(t *testing.T, url string, pingPeriod time.Duration) *ws.Bus {
	t.Helper()
	b, err := ws.Dial(context.Background(), url, nil, pingPeriod)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Close)
	return b
}

func TestHubRelaysBetweenClients(t *testing.T) {
	url := startHub(t, 0)
	alice := dial(t, url, 0)
	bob := dial(t, url, 0)

	if err := alice.OpenTopic("c1"); err != nil {
		t.Fatal(err)
	}
	if err := bob.OpenTopic("c1"); err != nil {
		t.Fatal(err)
	}

	got := make(chan *domain.SignalEnvelope, 4)
	cancel := bob.Subscribe("c1", func(e *domain.SignalEnvelope) { got <- e })
	defer cancel()

	// Let the join frames land before publishing.
	time.Sleep(100 * time.Millisecond)

	alice.Publish(context.Background(), &domain.SignalEnvelope{
		CallID: "c1", From: "alice", To: "bob",
		Kind: domain.SignalOffer, SDP: "offer-sdp",
	})

	select {
	case env := <-got:
		if env.Kind != domain.SignalOffer || env.SDP != "offer-sdp" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
		if env.From != "alice" || env.To != "bob" {
			t.Fatalf("addressing mangled: %s -> %s", env.From, env.To)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("relay never delivered the offer")
	}
}

func TestHubEchoesToSender(t *testing.T) {
	url := startHub(t, 0)
	alice := dial(t, url, 0)

	if err := alice.OpenTopic("c1"); err != nil {
		t.Fatal(err)
	}
	got := make(chan *domain.SignalEnvelope, 1)
	cancel := alice.Subscribe("c1", func(e *domain.SignalEnvelope) { got <- e })
	defer cancel()

	time.Sleep(100 * time.Millisecond)

	alice.Publish(context.Background(), &domain.SignalEnvelope{
		CallID: "c1", From: "alice", To: "bob", Kind: domain.SignalCandidate,
		Candidate: &domain.ICECandidate{Candidate: "cand"},
	})

	select {
	case env := <-got:
		if env.Candidate == nil || env.Candidate.Candidate != "cand" {
			t.Fatalf("candidate lost in relay: %+v", env)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("own publish not echoed back")
	}
}

func TestKeepaliveOutlivesIdleDeadline(t *testing.T) {
	// Short ping period so the hub's idle deadline (2x) expires several
	// times over during the quiet stretch; the pings must keep the
	// connection alive and the pong replies must not disturb dispatch.
	url := startHub(t, 100*time.Millisecond)
	alice := dial(t, url, 50*time.Millisecond)
	bob := dial(t, url, 50*time.Millisecond)

	if err := alice.OpenTopic("c1"); err != nil {
		t.Fatal(err)
	}
	if err := bob.OpenTopic("c1"); err != nil {
		t.Fatal(err)
	}
	got := make(chan *domain.SignalEnvelope, 1)
	cancel := bob.Subscribe("c1", func(e *domain.SignalEnvelope) { got <- e })
	defer cancel()

	time.Sleep(600 * time.Millisecond)

	alice.Publish(context.Background(), &domain.SignalEnvelope{
		CallID: "c1", From: "alice", To: "bob", Kind: domain.SignalOffer, SDP: "sdp",
	})

	select {
	case env := <-got:
		if env.Kind != domain.SignalOffer {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("connection dropped despite keepalive")
	}
}

func TestLeaveStopsDelivery(t *testing.T) {
	url := startHub(t, 0)
	alice := dial(t, url, 0)
	bob := dial(t, url, 0)

	if err := alice.OpenTopic("c1"); err != nil {
		t.Fatal(err)
	}
	if err := bob.OpenTopic("c1"); err != nil {
		t.Fatal(err)
	}

	got := make(chan *domain.SignalEnvelope, 4)
	bob.Subscribe("c1", func(e *domain.SignalEnvelope) { got <- e })

	time.Sleep(100 * time.Millisecond)
	bob.CloseTopic("c1")
	time.Sleep(100 * time.Millisecond)

	alice.Publish(context.Background(), &domain.SignalEnvelope{
		CallID: "c1", From: "alice", To: "bob", Kind: domain.SignalHangup,
	})

	select {
	case env := <-got:
		t.Fatalf("delivered after leave: %+v", env)
	case <-time.After(300 * time.Millisecond):
	}
}
