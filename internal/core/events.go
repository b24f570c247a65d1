package core

import "github.com/yaront1111/mandarin-dating-app-sub003/internal/domain"

// EventType discriminates engine events surfaced to the UI.
type EventType string

const (
	EventConnectivity EventType = "connectivity"
	EventCallStatus   EventType = "call-status"
	EventLocalStream  EventType = "local-stream"
	EventRemoteStream EventType = "remote-stream"
	EventDuration     EventType = "duration"
)

// Event is a read-only view of an engine state change for UI consumers.
// Only the fields relevant to Type are set.
type Event struct {
	Type         EventType                 `json:"type"`
	Connectivity domain.ConnectivityStatus `json:"connectivity,omitempty"`
	Call         *domain.CallInfo          `json:"call,omitempty"`
	Reason       string                    `json:"reason,omitempty"`
	Seconds      int                       `json:"seconds,omitempty"`

	// Stream handles are process-local and never serialized.
	Local  LocalStream   `json:"-"`
	Remote *RemoteStream `json:"-"`
}
