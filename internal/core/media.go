package core

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/yaront1111/mandarin-dating-app-sub003/internal/domain"
)

// TrackKind selects audio or video tracks of a stream.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// MediaConstraints describe the capture request.
type MediaConstraints struct {
	Audio  bool
	Video  bool
	Width  int
	Height int
}

// LocalStream is the captured device stream. It is owned by the capture
// adapter and merely borrowed by a call session; Release stops the device
// exactly once regardless of how many teardown paths reach it.
type LocalStream interface {
	// TrackLocals exposes the tracks for attachment to a peer connection.
	TrackLocals() []webrtc.TrackLocal
	// SetTrackEnabled toggles tracks of the given kind in place, without
	// renegotiation. Returns false when the stream has no such track.
	SetTrackEnabled(kind TrackKind, enabled bool) bool
	Release()
}

// Capture acquires and releases the local capture devices.
// Only one active capture exists at a time; Acquire stops any previous one.
type Capture interface {
	Acquire(constraints MediaConstraints) (LocalStream, error)
	Release()
}

// RemoteStream collects the remote party's tracks as they arrive.
// Owned by the direct connection; exposed to the UI for the session only.
type RemoteStream struct {
	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func NewRemoteStream() *RemoteStream {
	return &RemoteStream{}
}

func (r *RemoteStream) Add(t *webrtc.TrackRemote) {
	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	r.mu.Unlock()
}

func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(r.tracks))
	copy(out, r.tracks)
	return out
}

// MediaConnection is the live media channel for a call session.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources. Idempotent.
	Close()
	// AddLocalStream attaches the borrowed local tracks to the connection.
	AddLocalStream(s LocalStream) error
	// CreateAndSetOffer produces the local SDP for an outbound connection.
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	// ApplyOfferAndCreateAnswer answers a stored inbound offer.
	ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// ApplyAnswer applies the remote SDP answer.
	ApplyAnswer(answer webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback invoked when a remote track arrives.
	OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// OnClosed sets a callback for connection failure or remote close.
	OnClosed(func())
}

// Connector builds a MediaConnection towards the given remote handle.
type Connector interface {
	Connect(remote domain.Handle) (MediaConnection, error)
}
