package domain

import "errors"

var (
	ErrCallBusy            = errors.New("call is joining or leaving")
	ErrNotJoined           = errors.New("not joined to a call")
	ErrMediaUnavailable    = errors.New("local media unavailable")
	ErrInvalidSignal       = errors.New("invalid signal")
	ErrUnexpectedSignal    = errors.New("unexpected signal for session state")
	ErrSelfSignal          = errors.New("signal addressed to sender")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrSignalNotFound      = errors.New("signal not found")
	ErrSessionClosed       = errors.New("peer session closed")
	ErrNotSharing          = errors.New("screen share not active")
	ErrBackendClosed       = errors.New("backend closed")
)
