//go:build linux && cgo

package rtc

import (
	"fmt"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/core"
)

// DeviceSource captures camera and microphone through pion/mediadevices
// (V4L2 + malgo), encoding VP8 and Opus.
type DeviceSource struct {
	selector *mediadevices.CodecSelector
}

func NewDeviceSource() (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (s *DeviceSource) ConfigureEngine(me *webrtc.MediaEngine) error {
	s.selector.Populate(me)
	return nil
}

// Capture opens the microphone, and the camera when wantVideo. The
// returned release func closes every opened track.
func (s *DeviceSource) Capture(wantVideo bool) ([]webrtc.TrackLocal, func(), error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: s.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	if wantVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only; some cameras expose an MJPEG node that
			// produces frames the VP8 encoder cannot digest.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "permission") {
			return nil, nil, fmt.Errorf("%w: %v", core.ErrMediaPermissionDenied, err)
		}
		return nil, nil, fmt.Errorf("%w: %v", core.ErrMediaDeviceUnavailable, err)
	}

	mdTracks := stream.GetTracks()
	tracks := make([]webrtc.TrackLocal, 0, len(mdTracks))
	for _, t := range mdTracks {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Err(err).Str("module", "media").Msg("local track ended")
			}
		})
		tracks = append(tracks, t)
	}
	release := func() {
		for _, t := range mdTracks {
			t.Close()
		}
	}
	log.Info().Str("module", "media").Int("tracks", len(tracks)).Bool("video", wantVideo).Msg("local media captured")
	return tracks, release, nil
}
