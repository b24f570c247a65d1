package rtc

import (
	"context"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/yaront1111/mandarin-dating-app-sub003/internal/core"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/domain"
)

// EnginePopulator registers the codecs the capture adapter encodes with.
// The mediadevices-backed capture satisfies this; without one the default
// codec set is registered.
type EnginePopulator interface {
	Populate(engine *webrtc.MediaEngine) error
}

// Connector builds Connections towards remote handles with a shared API.
type Connector struct {
	cfg webrtc.Configuration
	pop EnginePopulator
}

func NewConnector(stunServers []string, pop EnginePopulator) *Connector {
	return &Connector{
		cfg: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{
				{URLs: stunServers},
			},
		},
		pop: pop,
	}
}

func (c *Connector) Connect(remote domain.Handle) (core.MediaConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if c.pop != nil {
		if err := c.pop.Populate(mediaEngine); err != nil {
			return nil, err
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(c.cfg)
	if err != nil {
		return nil, err
	}
	return &Connection{pc: pc, remote: remote}, nil
}

// Connection wraps a pion PeerConnection for one direct media channel.
type Connection struct {
	pc     *webrtc.PeerConnection
	remote domain.Handle
	cancel context.CancelFunc

	closeOnce sync.Once

	onICE    func(webrtc.ICECandidateInit)
	onTrack  func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onClosed func()
}

// Start installs the pion callbacks and binds the connection lifetime to
// ctx: cancellation, an ICE failure or Close all release the underlying
// peer connection.
func (c *Connection) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	go func() {
		<-runCtx.Done()
		c.Close()
	}()

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("remote", string(c.remote)).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateDisconnected ||
			s == webrtc.ICEConnectionStateFailed ||
			s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("remote", string(c.remote)).Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			if c.onClosed != nil {
				c.onClosed()
			}
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.onICE != nil {
			c.onICE(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("remote", string(c.remote)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track received")
		if c.onTrack != nil {
			c.onTrack(track, receiver)
		}
	})

	return nil
}

// AddLocalStream attaches the borrowed local tracks. With no local tracks
// (capture unavailable) recvonly transceivers keep the SDP valid so the
// call can still receive remote media.
func (c *Connection) AddLocalStream(s core.LocalStream) error {
	var tracks []webrtc.TrackLocal
	if s != nil {
		tracks = s.TrackLocals()
	}
	if len(tracks) == 0 {
		return c.addRecvOnlyTransceivers()
	}
	for _, t := range tracks {
		if _, err := c.pc.AddTrack(t); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) addRecvOnlyTransceivers() error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return &offer, nil
}

func (c *Connection) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return &answer, nil
}

func (c *Connection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if err := c.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("remote", string(c.remote)).Msg("close error")
		} else {
			log.Info().Str("module", "rtc").Str("remote", string(c.remote)).Msg("closed")
		}
	})
}

// OnICECandidate sets a callback for newly gathered local ICE candidates.
func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onICE = fn }

// OnTrack sets application-level callback for remote tracks.
func (c *Connection) OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.onTrack = fn
}

// OnClosed sets application-level callback for connection teardown.
func (c *Connection) OnClosed(fn func()) { c.onClosed = fn }
