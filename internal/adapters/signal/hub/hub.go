// Package hub is the broker side of the signaling transport: it relays
// frames between the websocket connections joined to a call topic. The
// hub never inspects SDP or candidates, it only fans out.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/adapters/signal/wire"
	"github.com/dkeye/Call/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn wraps one websocket with a buffered outbound queue. A slow
// reader loses frames instead of stalling the hub.
type Conn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

type Hub struct {
	readLimit int64
	// idleWait is how long a connection may stay silent before it is
	// reaped. Clients ping at half this interval to stay alive.
	idleWait time.Duration

	mu     sync.RWMutex
	topics map[string]map[*Conn]struct{}
}

// New builds a hub. pingPeriod is the keepalive interval clients are
// expected to ping at; zero disables idle reaping.
func New(readLimit int64, pingPeriod time.Duration) *Hub {
	return &Hub{
		readLimit: readLimit,
		idleWait:  2 * pingPeriod,
		topics:    make(map[string]map[*Conn]struct{}),
	}
}

// HandleSignal upgrades the request and runs the connection's pumps.
func (h *Hub) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	log.Info().Str("module", "signal.hub").Str("client", token).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	if h.readLimit > 0 {
		ws.SetReadLimit(h.readLimit)
	}
	h.resetDeadline(ws)

	conn := &Conn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}

	ctx, cancel := context.WithCancel(ctx)
	go h.writePump(ctx, conn)
	go h.readPump(ctx, cancel, token, conn)
}

func (h *Hub) writePump(ctx context.Context, c *Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal.hub").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal.hub").Msg("writePump write error")
				return
			}
		}
	}
}

func (h *Hub) readPump(ctx context.Context, cancel context.CancelFunc, token string, c *Conn) {
	defer func() {
		log.Info().Str("module", "signal.hub").Str("client", token).Msg("readPump closing")
		cancel()
		h.dropConn(c)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal.hub").Str("client", token).Msg("readPump read error")
				return
			}
			// Any inbound frame, pings included, counts as liveness.
			h.resetDeadline(c.conn)
			h.handleFrame(token, c, data)
		}
	}
}

func (h *Hub) handleFrame(token string, c *Conn, data []byte) {
	var f wire.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Error().Err(err).Str("module", "signal.hub").Msg("bad json")
		return
	}

	switch f.Type {
	case wire.TypeJoin:
		h.join(f.CallID, c)
	case wire.TypeLeave:
		h.leave(f.CallID, c)
	case wire.TypeSignal:
		if f.Envelope == nil || f.Envelope.CallID == "" {
			log.Warn().Str("module", "signal.hub").Msg("signal frame without envelope")
			return
		}
		h.relay(data, f.Envelope.CallID)
	case wire.TypePing:
		h.sendJSON(c, wire.Frame{Type: wire.TypePong})
	default:
		log.Warn().Str("module", "signal.hub").Str("type", string(f.Type)).Msg("unknown frame")
	}
}

func (h *Hub) join(callID string, c *Conn) {
	if callID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.topics[callID]
	if !ok {
		conns = make(map[*Conn]struct{})
		h.topics[callID] = conns
	}
	conns[c] = struct{}{}
	log.Info().Str("module", "signal.hub").Str("call_id", callID).Int("conns", len(conns)).Msg("joined topic")
}

func (h *Hub) leave(callID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.topics[callID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.topics, callID)
		}
	}
}

// relay fans the raw frame out to every connection on the topic, the
// sender included. Receivers filter on envelope.To themselves.
func (h *Hub) relay(data []byte, callID string) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.topics[callID]))
	for c := range h.topics[callID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.TrySend(data); err != nil {
			log.Warn().Err(err).Str("module", "signal.hub").Str("call_id", callID).Msg("relay dropped")
		}
	}
}

func (h *Hub) dropConn(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for callID, conns := range h.topics {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.topics, callID)
		}
	}
}

func (h *Hub) resetDeadline(ws *websocket.Conn) {
	if h.idleWait <= 0 {
		return
	}
	if err := ws.SetReadDeadline(time.Now().Add(h.idleWait)); err != nil {
		log.Error().Err(err).Str("module", "signal.hub").Msg("set read deadline")
	}
}

func (h *Hub) sendJSON(c *Conn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal.hub").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
