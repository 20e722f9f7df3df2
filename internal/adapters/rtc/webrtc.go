package rtc

import (
	"context"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

// pionLink is the production peerLink: one pion PeerConnection carrying
// the local capture tracks for one call.
type pionLink struct {
	callID string
	src    core.MediaSource
	video  bool
	stun   []string

	pc           *webrtc.PeerConnection
	audioSenders []*webrtc.RTPSender
	audioTracks  []webrtc.TrackLocal
	release      func()
	cancel       context.CancelFunc

	onICE   func(domain.ICECandidate)
	onState func(core.ConnState)
	onTrack func(*webrtc.TrackRemote)
}

func newPionLink(callID string, src core.MediaSource, video bool, stun []string) (*pionLink, error) {
	if len(stun) == 0 {
		stun = []string{"stun:stun.l.google.com:19302"}
	}
	return &pionLink{callID: callID, src: src, video: video, stun: stun}, nil
}

func (l *pionLink) OnICECandidate(fn func(domain.ICECandidate)) { l.onICE = fn }
func (l *pionLink) OnStateChange(fn func(core.ConnState))       { l.onState = fn }
func (l *pionLink) OnTrack(fn func(*webrtc.TrackRemote))        { l.onTrack = fn }

// Start builds the API with the capture codecs, opens the devices and
// attaches the local tracks.
func (l *pionLink) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	me := &webrtc.MediaEngine{}
	if err := l.src.ConfigureEngine(me); err != nil {
		return err
	}
	reg := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, reg); err != nil {
		return err
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(reg),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: l.stun}},
	})
	if err != nil {
		return err
	}
	l.pc = pc

	tracks, release, err := l.src.Capture(l.video)
	if err != nil {
		pc.Close()
		return err
	}
	l.release = release

	// Without local tracks the offer would have no m-lines; recvonly
	// transceivers keep the SDP valid so remote media still flows.
	if len(tracks) == 0 {
		kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
		if l.video {
			kinds = append(kinds, webrtc.RTPCodecTypeVideo)
		}
		for _, k := range kinds {
			if _, err := pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				l.Close()
				return err
			}
		}
	}

	for _, t := range tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			l.Close()
			return err
		}
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			l.audioSenders = append(l.audioSenders, sender)
			l.audioTracks = append(l.audioTracks, t)
		}
		// Drain RTCP so the interceptors keep running.
		go func(s *webrtc.RTPSender) {
			buf := make([]byte, 1500)
			for {
				if _, _, err := s.Read(buf); err != nil {
					return
				}
			}
		}(sender)
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || l.onICE == nil {
			return
		}
		init := cand.ToJSON()
		c := domain.ICECandidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			c.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			c.SDPMLineIndex = *init.SDPMLineIndex
		}
		l.onICE(c)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("call_id", l.callID).Str("peer_connection_state", s.String()).Msg("peer state")
		if l.onState != nil {
			l.onState(mapConnState(s))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("call_id", l.callID).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		if l.onTrack != nil {
			l.onTrack(track)
		}
	})

	return nil
}

func mapConnState(s webrtc.PeerConnectionState) core.ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return core.ConnNew
	case webrtc.PeerConnectionStateConnecting:
		return core.ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.ConnFailed
	default:
		return core.ConnClosed
	}
}

func (l *pionLink) CreateOffer() (string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	// Trickle ICE: candidates follow via OnICECandidate, no need to
	// wait for gathering.
	return l.pc.LocalDescription().SDP, nil
}

func (l *pionLink) HandleOffer(sdp string) (string, error) {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return "", err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return l.pc.LocalDescription().SDP, nil
}

func (l *pionLink) HandleAnswer(sdp string) error {
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (l *pionLink) AddICECandidate(c domain.ICECandidate) error {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

// ToggleAudio swaps the audio track out of (or back into) its sender.
// Replacing the track avoids renegotiation.
func (l *pionLink) ToggleAudio(enabled bool) {
	for i, s := range l.audioSenders {
		var t webrtc.TrackLocal
		if enabled {
			t = l.audioTracks[i]
		}
		if err := s.ReplaceTrack(t); err != nil {
			log.Error().Err(err).Str("module", "webrtc").Str("call_id", l.callID).Msg("replace audio track")
		}
	}
	log.Info().Str("module", "webrtc").Str("call_id", l.callID).Bool("enabled", enabled).Msg("audio toggled")
}

func (l *pionLink) Close() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.release != nil {
		l.release()
	}
	if l.pc != nil {
		if err := l.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "webrtc").Str("call_id", l.callID).Msg("close error")
		} else {
			log.Info().Str("module", "webrtc").Str("call_id", l.callID).Msg("closed")
		}
	}
}
