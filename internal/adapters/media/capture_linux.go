//go:build linux

// Package media acquires and releases the local capture devices via
// pion/mediadevices. Only one active capture exists at a time.
package media

import (
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the V4L2 camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone driver
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/yaront1111/mandarin-dating-app-sub003/internal/core"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/domain"
)

// Capture owns the device access. Acquire stops any previously captured
// stream before requesting a new one.
type Capture struct {
	mu       sync.Mutex
	selector *mediadevices.CodecSelector
	current  *localStream
}

func New() (*Capture, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Capture{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Populate registers the capture codecs on the engine used to build
// peer connections, so negotiated codecs match what we encode.
func (c *Capture) Populate(engine *webrtc.MediaEngine) error {
	c.selector.Populate(engine)
	return nil
}

// Acquire captures the devices the constraints ask for, degrading
// gracefully: full A/V first, then video-only, then audio-only. Only the
// last attempt's error is reported.
func (c *Capture) Acquire(constraints core.MediaConstraints) (core.LocalStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		c.current.Release()
		c.current = nil
	}

	attempts := []core.MediaConstraints{constraints}
	if constraints.Audio && constraints.Video {
		attempts = append(attempts,
			core.MediaConstraints{Video: true, Width: constraints.Width, Height: constraints.Height},
			core.MediaConstraints{Audio: true},
		)
	}

	var lastErr error
	for _, attempt := range attempts {
		ls, err := c.acquireOnce(attempt)
		if err == nil {
			c.current = ls
			return ls, nil
		}
		lastErr = err
		log.Warn().Err(err).Str("module", "media").
			Bool("audio", attempt.Audio).Bool("video", attempt.Video).
			Msg("capture attempt failed")
	}
	return nil, lastErr
}

func (c *Capture) acquireOnce(constraints core.MediaConstraints) (*localStream, error) {
	md := mediadevices.MediaStreamConstraints{Codec: c.selector}
	if constraints.Video {
		md.Video = func(mt *mediadevices.MediaTrackConstraints) {
			// Raw formats only: some cameras expose an MJPEG node that
			// produces malformed frames and poisons the VP8 encoder.
			mt.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if constraints.Width > 0 {
				mt.Width = prop.IntRanged{Max: constraints.Width}
			}
			if constraints.Height > 0 {
				mt.Height = prop.IntRanged{Max: constraints.Height}
			}
		}
	}
	if constraints.Audio {
		md.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(md)
	if err != nil {
		return nil, classify(err)
	}

	tracks := stream.GetTracks()
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Err(err).Str("module", "media").Str("track", track.ID()).Msg("local track ended")
			}
		})
	}
	log.Info().Str("module", "media").Int("tracks", len(tracks)).Msg("local media captured")

	return newLocalStream(tracks), nil
}

func (c *Capture) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.Release()
		c.current = nil
	}
}

// classify maps a device error onto the engine taxonomy.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") {
		return fmt.Errorf("%w: %v", domain.ErrMediaAccessDenied, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
}

// localStream wraps the captured mediadevices tracks. Release stops the
// devices exactly once, no matter how many teardown paths reach it.
type localStream struct {
	mu      sync.Mutex
	tracks  []mediadevices.Track
	enabled map[core.TrackKind]bool
	release sync.Once
}

func newLocalStream(tracks []mediadevices.Track) *localStream {
	s := &localStream{
		tracks:  tracks,
		enabled: map[core.TrackKind]bool{core.TrackAudio: true, core.TrackVideo: true},
	}
	// The gates sit between the device and the encoder, so toggling takes
	// effect mid-call without renegotiating the connection.
	for _, t := range tracks {
		switch tr := t.(type) {
		case *mediadevices.VideoTrack:
			tr.Transform(s.gateVideo)
		case *mediadevices.AudioTrack:
			tr.Transform(s.gateAudio)
		}
	}
	return s
}

// gateVideo substitutes black frames while the video track is disabled.
func (s *localStream) gateVideo(r video.Reader) video.Reader {
	var black *image.YCbCr
	return video.ReaderFunc(func() (image.Image, func(), error) {
		img, release, err := r.Read()
		if err != nil || s.trackEnabled(core.TrackVideo) {
			return img, release, err
		}
		if black == nil || black.Rect != img.Bounds() {
			black = blackFrame(img.Bounds())
		}
		if release != nil {
			release()
		}
		return black, func() {}, nil
	})
}

// gateAudio zeroes the captured samples while the audio track is disabled.
func (s *localStream) gateAudio(r audio.Reader) audio.Reader {
	return audio.ReaderFunc(func() (wave.Audio, func(), error) {
		chunk, release, err := r.Read()
		if err != nil || s.trackEnabled(core.TrackAudio) {
			return chunk, release, err
		}
		if ea, ok := chunk.(wave.EditableAudio); ok {
			info := chunk.ChunkInfo()
			for i := 0; i < info.Len; i++ {
				for ch := 0; ch < info.Channels; ch++ {
					ea.Set(i, ch, wave.Int64Sample(0))
				}
			}
		}
		return chunk, release, err
	})
}

func blackFrame(b image.Rectangle) *image.YCbCr {
	img := image.NewYCbCr(b, image.YCbCrSubsampleRatio420)
	for i := range img.Y {
		img.Y[i] = 16
	}
	for i := range img.Cb {
		img.Cb[i] = 128
	}
	for i := range img.Cr {
		img.Cr[i] = 128
	}
	return img
}

func (s *localStream) trackEnabled(kind core.TrackKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[kind]
}

func (s *localStream) TrackLocals() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *localStream) SetTrackEnabled(kind core.TrackKind, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for _, t := range s.tracks {
		if trackKind(t) == kind {
			found = true
		}
	}
	if !found {
		return false
	}
	s.enabled[kind] = enabled
	log.Info().Str("module", "media").Str("kind", string(kind)).Bool("enabled", enabled).Msg("track toggled")
	return true
}

func (s *localStream) Release() {
	s.release.Do(func() {
		s.mu.Lock()
		tracks := s.tracks
		s.tracks = nil
		s.mu.Unlock()
		for _, t := range tracks {
			if err := t.Close(); err != nil {
				// Teardown must always complete; a device that is already
				// gone is logged and swallowed.
				log.Warn().Err(err).Str("module", "media").Str("track", t.ID()).Msg("track close error")
			}
		}
		log.Info().Str("module", "media").Int("tracks", len(tracks)).Msg("local media released")
	})
}

func trackKind(t mediadevices.Track) core.TrackKind {
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		return core.TrackVideo
	}
	return core.TrackAudio
}
