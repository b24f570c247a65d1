package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/yaront1111/mandarin-dating-app-sub003/internal/core"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/domain"
)

// Registry tracks the direct media connections keyed by remote handle and
// routes inbound signaling frames to them. It also buffers the latest SDP
// offer per remote so an accept that races the offer still succeeds.
type Registry struct {
	connect core.Connector
	peers   *PeerManager

	mu      sync.Mutex
	conns   map[domain.Handle]core.MediaConnection
	offers  map[domain.Handle]webrtc.SessionDescription
	waiters map[domain.Handle][]chan struct{}
}

func NewRegistry(connect core.Connector, peers *PeerManager) *Registry {
	return &Registry{
		connect: connect,
		peers:   peers,
		conns:   make(map[domain.Handle]core.MediaConnection),
		offers:  make(map[domain.Handle]webrtc.SessionDescription),
		waiters: make(map[domain.Handle][]chan struct{}),
	}
}

// HandleFrame dispatches one inbound relay frame. Frames for unknown
// remotes are logged and dropped; the relay guarantees ordering per
// sender, not across senders.
func (r *Registry) HandleFrame(f core.Frame) {
	switch f.Type {
	case core.FrameOffer:
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(f.Payload, &sdp); err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Str("src", string(f.Src)).Msg("malformed offer")
			return
		}
		r.RegisterIncoming(f.Src, sdp)
	case core.FrameAnswer:
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(f.Payload, &sdp); err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Str("src", string(f.Src)).Msg("malformed answer")
			return
		}
		r.mu.Lock()
		mc := r.conns[f.Src]
		r.mu.Unlock()
		if mc == nil {
			log.Warn().Str("module", "app.registry").Str("src", string(f.Src)).Msg("answer for unknown connection")
			return
		}
		if err := mc.ApplyAnswer(sdp); err != nil {
			log.Error().Err(err).Str("module", "app.registry").Str("src", string(f.Src)).Msg("apply answer")
		}
	case core.FrameCandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(f.Payload, &cand); err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Str("src", string(f.Src)).Msg("malformed candidate")
			return
		}
		r.mu.Lock()
		mc := r.conns[f.Src]
		r.mu.Unlock()
		if mc == nil {
			return
		}
		if err := mc.AddICECandidate(cand); err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Str("src", string(f.Src)).Msg("add candidate")
		}
	case core.FrameLeave:
		r.Close(f.Src)
	default:
		log.Debug().Str("module", "app.registry").Str("type", f.Type).Msg("unhandled frame")
	}
}

// RegisterIncoming stores the latest offer from remote, replacing any
// earlier one, and wakes anyone waiting for it.
func (r *Registry) RegisterIncoming(remote domain.Handle, offer webrtc.SessionDescription) {
	r.mu.Lock()
	r.offers[remote] = offer
	waiters := r.waiters[remote]
	delete(r.waiters, remote)
	r.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
	log.Info().Str("module", "app.registry").Str("remote", string(remote)).Msg("offer stored")
}

// AwaitOffer blocks until an offer from remote is available or ctx ends.
func (r *Registry) AwaitOffer(ctx context.Context, remote domain.Handle) error {
	r.mu.Lock()
	if _, ok := r.offers[remote]; ok {
		r.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	r.waiters[remote] = append(r.waiters[remote], w)
	r.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for offer: %v", domain.ErrNoPendingOffer, ctx.Err())
	}
}

// Open dials a direct connection to remote as the initiating side, attaches
// the local stream, sends the offer through the relay under local, and
// resolves once the first remote track arrives.
func (r *Registry) Open(ctx context.Context, local, remote domain.Handle, stream core.LocalStream) (*core.RemoteStream, error) {
	if cur, ok := r.peers.Handle(); !ok || cur != local {
		return nil, fmt.Errorf("%w: handle %q is no longer registered", domain.ErrConnectionFailed, local)
	}

	mc, err := r.connect.Connect(remote)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}

	rs, ready, failed := r.bindMedia(mc, remote)
	if err := r.prime(ctx, mc, stream); err != nil {
		return nil, err
	}

	offer, err := mc.CreateAndSetOffer()
	if err != nil {
		mc.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	r.track(remote, mc)

	if err := r.sendSDP(core.FrameOffer, remote, offer); err != nil {
		r.Close(remote)
		return nil, err
	}
	return r.await(ctx, remote, rs, ready, failed)
}

// Accept answers the stored offer from remote as the receiving side.
func (r *Registry) Accept(ctx context.Context, local, remote domain.Handle, stream core.LocalStream) (*core.RemoteStream, error) {
	if cur, ok := r.peers.Handle(); !ok || cur != local {
		return nil, fmt.Errorf("%w: handle %q is no longer registered", domain.ErrConnectionFailed, local)
	}

	r.mu.Lock()
	offer, ok := r.offers[remote]
	delete(r.offers, remote)
	r.mu.Unlock()
	if !ok {
		return nil, domain.ErrNoPendingOffer
	}

	mc, err := r.connect.Connect(remote)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}

	rs, ready, failed := r.bindMedia(mc, remote)
	if err := r.prime(ctx, mc, stream); err != nil {
		return nil, err
	}

	answer, err := mc.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		mc.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	r.track(remote, mc)

	if err := r.sendSDP(core.FrameAnswer, remote, answer); err != nil {
		r.Close(remote)
		return nil, err
	}
	return r.await(ctx, remote, rs, ready, failed)
}

// prime starts the connection and attaches the local tracks. On failure
// the connection is closed before returning.
func (r *Registry) prime(ctx context.Context, mc core.MediaConnection, stream core.LocalStream) error {
	if err := mc.Start(ctx); err != nil {
		mc.Close()
		return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	if stream != nil {
		if err := mc.AddLocalStream(stream); err != nil {
			mc.Close()
			return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
		}
	}
	return nil
}

// bindMedia wires the connection callbacks before Start so no early
// track or candidate is lost.
func (r *Registry) bindMedia(mc core.MediaConnection, remote domain.Handle) (*core.RemoteStream, chan struct{}, chan struct{}) {
	rs := core.NewRemoteStream()
	ready := make(chan struct{})
	failed := make(chan struct{})
	var readyOnce, failOnce sync.Once

	mc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rs.Add(track)
		readyOnce.Do(func() { close(ready) })
	})
	mc.OnClosed(func() {
		failOnce.Do(func() { close(failed) })
	})
	mc.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		payload, err := json.Marshal(cand)
		if err != nil {
			return
		}
		if err := r.peers.Send(core.Frame{Type: core.FrameCandidate, Dst: remote, Payload: payload}); err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Str("remote", string(remote)).Msg("candidate send failed")
		}
	})
	return rs, ready, failed
}

func (r *Registry) sendSDP(frameType string, remote domain.Handle, sdp *webrtc.SessionDescription) error {
	payload, err := json.Marshal(sdp)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	if err := r.peers.Send(core.Frame{Type: frameType, Dst: remote, Payload: payload}); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	return nil
}

// await resolves on the first remote track; failure or cancellation tears
// the connection down before reporting.
func (r *Registry) await(ctx context.Context, remote domain.Handle, rs *core.RemoteStream, ready, failed chan struct{}) (*core.RemoteStream, error) {
	select {
	case <-ready:
		log.Info().Str("module", "app.registry").Str("remote", string(remote)).Msg("media flowing")
		return rs, nil
	case <-failed:
		r.Close(remote)
		return nil, fmt.Errorf("%w: connection closed before media arrived", domain.ErrConnectionFailed)
	case <-ctx.Done():
		r.Close(remote)
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, ctx.Err())
	}
}

// track registers the live connection for remote, closing any previous one.
func (r *Registry) track(remote domain.Handle, mc core.MediaConnection) {
	r.mu.Lock()
	prev := r.conns[remote]
	r.conns[remote] = mc
	r.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

// Close releases the connection and any buffered offer for remote.
// Safe to call for handles that were never tracked.
func (r *Registry) Close(remote domain.Handle) {
	r.mu.Lock()
	mc := r.conns[remote]
	delete(r.conns, remote)
	delete(r.offers, remote)
	r.mu.Unlock()
	if mc != nil {
		mc.Close()
		log.Info().Str("module", "app.registry").Str("remote", string(remote)).Msg("connection released")
	}
}

// CloseAll releases every tracked connection, e.g. on deregistration.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[domain.Handle]core.MediaConnection)
	r.offers = make(map[domain.Handle]webrtc.SessionDescription)
	r.mu.Unlock()
	for remote, mc := range conns {
		mc.Close()
		log.Info().Str("module", "app.registry").Str("remote", string(remote)).Msg("connection released")
	}
}

// Active reports whether a connection to remote is currently tracked.
func (r *Registry) Active(remote domain.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[remote]
	return ok
}
