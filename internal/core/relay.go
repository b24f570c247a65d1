package core

import (
	"context"
	"encoding/json"

	"github.com/yaront1111/mandarin-dating-app-sub003/internal/domain"
)

// Frame is one signaling message routed by the relay between handles.
type Frame struct {
	Type    string          `json:"type"`
	Src     domain.Handle   `json:"src,omitempty"`
	Dst     domain.Handle   `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	FrameOpen      = "open"      // relay confirms the handle is live
	FrameOffer     = "offer"     // SDP offer for a direct connection
	FrameAnswer    = "answer"    // SDP answer
	FrameCandidate = "candidate" // trickled ICE candidate
	FrameLeave     = "leave"     // remote side closed the connection
	FrameHeartbeat = "heartbeat" // keeps the registration from expiring
	FrameError     = "error"     // relay rejected the registration
)

// RelayConn is one live registration with the relay.
// Owned by the adapter; the adapter must Close() it.
type RelayConn interface {
	TrySend(Frame) error
	// Recv yields inbound frames in arrival order. The channel is closed
	// when the connection is lost or Close is called.
	Recv() <-chan Frame
	Close()
}

// RelayDialer opens a registration with the relay under the given handle.
type RelayDialer interface {
	Dial(ctx context.Context, handle domain.Handle) (RelayConn, error)
}
