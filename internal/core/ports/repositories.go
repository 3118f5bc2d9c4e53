package ports

import (
	"context"

	"meshcall/internal/core/domain"
)

// PresenceRegistry tracks the live roster of a call room.
type PresenceRegistry interface {
	// Join upserts the participant keyed by id.
	Join(ctx context.Context, room domain.RoomID, p domain.Participant) error
	Leave(ctx context.Context, room domain.RoomID, id domain.ParticipantID) error
	// Watch delivers the full roster, ordered by join time then id, on every
	// change. The first value is the current snapshot. The channel is closed
	// when ctx is done.
	Watch(ctx context.Context, room domain.RoomID) (<-chan []domain.Participant, error)
	Snapshot(ctx context.Context, room domain.RoomID) ([]domain.Participant, error)
}

// SignalingChannel relays signals to a single recipient.
type SignalingChannel interface {
	// Send assigns ID and CreatedAt when empty and enqueues the signal.
	Send(ctx context.Context, sig *domain.Signal) error
	// Watch delivers signals addressed to self that are created after the
	// subscription, once each, in arrival order.
	Watch(ctx context.Context, room domain.RoomID, self domain.ParticipantID) (<-chan *domain.Signal, error)
	Delete(ctx context.Context, room domain.RoomID, self domain.ParticipantID, id domain.SignalID) error
}

// Backend bundles both coordination ports over one store or connection.
type Backend interface {
	Presence() PresenceRegistry
	Signaling() SignalingChannel
	Ping(ctx context.Context) error
	Close() error
}
