package domain

import "errors"

var (
	ErrRegistrationFailed = errors.New("relay registration failed")
	ErrMediaAccessDenied  = errors.New("media access denied")
	ErrDeviceUnavailable  = errors.New("capture device unavailable")
	ErrConnectionFailed   = errors.New("direct connection failed")
	ErrNoPendingOffer     = errors.New("no pending offer")
	ErrCallAlreadyActive  = errors.New("call already active")
	ErrRelayUnavailable   = errors.New("relay unavailable")
	ErrTimeout            = errors.New("call setup timed out")
)
