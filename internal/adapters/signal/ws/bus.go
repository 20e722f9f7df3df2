// Package ws is the client side of the signaling transport: one
// websocket to the broker hub, multiplexing every call topic this
// client participates in.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/adapters/signal/wire"
	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

const writeWait = 5 * time.Second

type handler struct {
	id int
	fn func(*domain.SignalEnvelope)
}

// Bus implements core.SignalBus over a hub connection. Frames to dead
// or congested sockets are dropped, matching the bus contract.
type Bus struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.Mutex
	nextID int
	subs   map[string][]*handler
	opened map[string]struct{}
	closed bool

	cancel context.CancelFunc
}

var _ core.SignalBus = (*Bus)(nil)

// Dial connects to the hub and starts the pumps. header may carry the
// client auth cookie. pingPeriod sets the keepalive interval; the hub
// drops connections that stay silent longer, so it must be shorter
// than the hub's idle deadline. Zero disables the keepalive.
func Dial(ctx context.Context, url string, requestHeader map[string][]string, pingPeriod time.Duration) (*Bus, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, requestHeader)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		conn:   conn,
		send:   make(chan core.Frame, 32),
		subs:   make(map[string][]*handler),
		opened: make(map[string]struct{}),
		cancel: cancel,
	}
	go b.writePump(ctx)
	go b.readPump(ctx)
	if pingPeriod > 0 {
		go b.pingPump(ctx, pingPeriod)
	}
	log.Info().Str("module", "signal.ws").Str("url", url).Msg("connected to hub")
	return b, nil
}

func (b *Bus) pingPump(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.trySend(wire.Frame{Type: wire.TypePing})
		}
	}
}

func (b *Bus) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-b.send:
			if !ok {
				return
			}
			if err := b.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal.ws").Msg("writePump set deadline")
				return
			}
			if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal.ws").Msg("writePump write error")
				return
			}
		}
	}
}

func (b *Bus) readPump(ctx context.Context) {
	defer b.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := b.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal.ws").Msg("readPump read error")
				return
			}
			b.dispatch(data)
		}
	}
}

func (b *Bus) dispatch(data []byte) {
	var f wire.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Error().Err(err).Str("module", "signal.ws").Msg("bad json")
		return
	}
	if f.Type != wire.TypeSignal || f.Envelope == nil {
		return
	}

	b.mu.Lock()
	hs := make([]*handler, len(b.subs[f.Envelope.CallID]))
	copy(hs, b.subs[f.Envelope.CallID])
	b.mu.Unlock()

	for _, h := range hs {
		h.fn(f.Envelope)
	}
}

// trySend queues a frame without blocking.
func (b *Bus) trySend(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal.ws").Msg("marshal frame")
		return
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	select {
	case b.send <- data:
	default:
		log.Warn().Str("module", "signal.ws").Msg("send queue full, dropping")
	}
}

func (b *Bus) OpenTopic(callID string) error {
	b.mu.Lock()
	if _, ok := b.opened[callID]; ok {
		b.mu.Unlock()
		return nil
	}
	b.opened[callID] = struct{}{}
	b.mu.Unlock()

	b.trySend(wire.Frame{Type: wire.TypeJoin, CallID: callID})
	return nil
}

func (b *Bus) Publish(_ context.Context, env *domain.SignalEnvelope) {
	b.trySend(wire.Frame{Type: wire.TypeSignal, Envelope: env})
}

func (b *Bus) Subscribe(callID string, fn func(*domain.SignalEnvelope)) func() {
	b.mu.Lock()
	h := &handler{id: b.nextID, fn: fn}
	b.nextID++
	b.subs[callID] = append(b.subs[callID], h)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		hs := b.subs[callID]
		for i, cur := range hs {
			if cur.id == h.id {
				b.subs[callID] = append(hs[:i], hs[i+1:]...)
				break
			}
		}
		if len(b.subs[callID]) == 0 {
			delete(b.subs, callID)
		}
	}
}

func (b *Bus) CloseTopic(callID string) {
	b.mu.Lock()
	delete(b.opened, callID)
	delete(b.subs, callID)
	b.mu.Unlock()

	b.trySend(wire.Frame{Type: wire.TypeLeave, CallID: callID})
}

// Close tears the socket down. Safe to call twice.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	_ = b.conn.Close()
	log.Info().Str("module", "signal.ws").Msg("hub connection closed")
}
