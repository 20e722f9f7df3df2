// Package wire defines the frames exchanged on the signaling socket.
package wire

import "github.com/dkeye/Call/internal/domain"

type Type string

const (
	TypeJoin   Type = "join"
	TypeLeave  Type = "leave"
	TypeSignal Type = "signal"
	TypePing   Type = "ping"
	TypePong   Type = "pong"
)

// Frame is one message on the socket. CallID is set for join/leave,
// Envelope for signal.
type Frame struct {
	Type     Type                   `json:"type"`
	CallID   string                 `json:"call_id,omitempty"`
	Envelope *domain.SignalEnvelope `json:"envelope,omitempty"`
}
