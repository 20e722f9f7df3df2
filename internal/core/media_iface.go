package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Call/internal/domain"
)

// ConnState mirrors the peer connection lifecycle. closed is terminal
// and reachable from any state.
type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// MediaEventKind tags the union below.
type MediaEventKind string

const (
	MediaState       MediaEventKind = "state"
	MediaRemoteTrack MediaEventKind = "track"
	MediaError       MediaEventKind = "error"
	MediaClosed      MediaEventKind = "closed"
)

// MediaEvent is one notification from a Negotiator. It replaces ad-hoc
// callback registration: the caller owns the channel and can cancel by
// stopping the negotiator.
type MediaEvent struct {
	Kind  MediaEventKind
	State ConnState           // set for MediaState
	Track *webrtc.TrackRemote // set for MediaRemoteTrack
	Err   error               // set for MediaError
}

// Negotiator owns local media and the peer connection for one call and
// drives the offer/answer/ICE exchange over the signal bus.
type Negotiator interface {
	// Start acquires local media and, for the initiator, sends the
	// offer. Media errors map to ErrMediaPermissionDenied or
	// ErrMediaDeviceUnavailable; both abort the call attempt.
	Start(ctx context.Context) error
	Events() <-chan MediaEvent
	// ToggleAudio mutes/unmutes the local audio without renegotiation.
	ToggleAudio(enabled bool)
	// Stop releases all media and closes the connection. Idempotent.
	Stop()
}

// NegotiatorFactory builds a session-scoped negotiator. The instance is
// owned by, and dies with, the call that created it.
type NegotiatorFactory func(callID string, self, peer domain.UserID, video, initiator bool) (Negotiator, error)

// MediaSource abstracts local capture so the negotiation logic stays
// device-independent (and testable off-target).
type MediaSource interface {
	// ConfigureEngine registers the capture codecs with the engine the
	// peer connection will be built from.
	ConfigureEngine(me *webrtc.MediaEngine) error
	// Capture opens the microphone (and camera when wantVideo) and
	// returns the local tracks plus a release func.
	Capture(wantVideo bool) ([]webrtc.TrackLocal, func(), error)
}
