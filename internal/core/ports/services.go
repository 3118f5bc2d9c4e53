package ports

import (
	"context"
	"time"

	"meshcall/internal/core/domain"
)

// CallService is the only surface other subsystems use to drive a call.
type CallService interface {
	Join(ctx context.Context, room domain.RoomID) error
	Leave(ctx context.Context) error
	ToggleMic() (bool, error)
	ToggleCam() (bool, error)
	ToggleScreenShare(ctx context.Context) (bool, error)
	State() domain.CallState
	Subscribe() (<-chan domain.TileEvent, func())
}

type CallMetrics interface {
	SessionOpened()
	SessionClosed(reason string)
	SessionStable(negotiation time.Duration)
	NegotiationRetried()
	SignalSent(kind domain.SignalKind)
	SignalReceived(kind domain.SignalKind)
	SignalDiscarded(reason string)
	CallStateChanged(state domain.CallState)
}

// RelayMetrics is recorded by the signaling relay server.
type RelayMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	MessageHandled(msgType string, ok bool)
	SignalRelayed(kind domain.SignalKind)
}
