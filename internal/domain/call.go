package domain

import "time"

// Role of the local party in a call session.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// CallStatus is the lifecycle state of a call session.
type CallStatus string

const (
	CallIdle             CallStatus = "idle"
	CallAwaitingResponse CallStatus = "awaiting-response"
	CallRinging          CallStatus = "ringing"
	CallConnecting       CallStatus = "connecting"
	CallConnected        CallStatus = "connected"
	CallEnded            CallStatus = "ended"
	CallFailed           CallStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s CallStatus) Terminal() bool {
	return s == CallEnded || s == CallFailed
}

// CallInfo is the meta-data of one call attempt or active call.
type CallInfo struct {
	Role           Role       `json:"role"`
	RemoteIdentity Identity   `json:"remote_identity"`
	RemoteHandle   Handle     `json:"remote_handle,omitempty"`
	Status         CallStatus `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	ConnectedAt    time.Time  `json:"connected_at,omitempty"`
}

// Elapsed returns whole seconds since the session entered connected.
// The captured ConnectedAt timestamp is the single reference point, so
// repeated reads never accumulate drift.
func (c *CallInfo) Elapsed(now time.Time) int {
	if c.ConnectedAt.IsZero() {
		return 0
	}
	d := now.Sub(c.ConnectedAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}
