//go:build !linux || !cgo

package rtc

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// DeviceSource has no capture drivers off Linux; calls proceed
// receive-only with default codecs.
type DeviceSource struct{}

func NewDeviceSource() (*DeviceSource, error) {
	return &DeviceSource{}, nil
}

func (s *DeviceSource) ConfigureEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (s *DeviceSource) Capture(wantVideo bool) ([]webrtc.TrackLocal, func(), error) {
	log.Warn().Str("module", "media").Msg("no capture drivers on this platform, receive-only")
	return nil, func() {}, nil
}
