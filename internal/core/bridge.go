package core

import (
	"context"

	"github.com/yaront1111/mandarin-dating-app-sub003/internal/domain"
)

// BridgeKind is the kind of an out-of-band call metadata message.
type BridgeKind string

const (
	KindIncomingCall BridgeKind = "incoming-call"
	KindCallAnswered BridgeKind = "call-answered"
	KindCallRejected BridgeKind = "call-rejected"
	KindCallEnded    BridgeKind = "call-ended"
)

// BridgeMessage is the call metadata exchanged between the two endpoints
// over the messaging channel. The engine consumes and produces these; the
// channel itself lives outside the engine.
type BridgeMessage struct {
	Kind           BridgeKind      `json:"kind"`
	CallerIdentity domain.Identity `json:"callerIdentity"`
	CalleeIdentity domain.Identity `json:"calleeIdentity"`
	PeerHandle     domain.Handle   `json:"peerHandle,omitempty"`
	Accepted       bool            `json:"accepted,omitempty"`
}

// EventBridge is the opaque publish/subscribe channel for call metadata.
type EventBridge interface {
	Publish(ctx context.Context, msg BridgeMessage) error
	// Subscribe yields messages addressed to or from the given local
	// identity, in arrival order. cancel releases the subscription.
	Subscribe(local domain.Identity) (ch <-chan BridgeMessage, cancel func())
}
