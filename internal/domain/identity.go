// Package domain contains entities without logic, just meta-data.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Identity is the stable user-level id of a party (profile id),
// distinct from the transient relay Handle.
type Identity string

// Handle identifies one registration session with the signaling relay.
// A handle is never reused across disconnect/reconnect cycles.
type Handle string

// ConnectivityStatus is the relay registration state.
type ConnectivityStatus string

const (
	ConnDisconnected ConnectivityStatus = "disconnected"
	ConnConnecting   ConnectivityStatus = "connecting"
	ConnConnected    ConnectivityStatus = "connected"
	ConnError        ConnectivityStatus = "error"
)

// NewHandle derives a fresh globally-unique handle from seed.
// The nanosecond timestamp plus random suffix guarantees non-collision
// across rapid re-registrations with the same seed.
func NewHandle(seed Identity) Handle {
	suffix := uuid.NewString()[:8]
	return Handle(fmt.Sprintf("%s-%d-%s", seed, time.Now().UnixNano(), suffix))
}
