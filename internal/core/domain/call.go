package domain

import "time"

// PeerState is the negotiation state of one peer session.
type PeerState int

const (
	PeerIdle PeerState = iota
	PeerNegotiating
	PeerStable
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerIdle:
		return "idle"
	case PeerNegotiating:
		return "negotiating"
	case PeerStable:
		return "stable"
	case PeerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CallState is the lifecycle state of the local call.
type CallState int

const (
	CallNotJoined CallState = iota
	CallJoining
	CallInCall
	CallLeaving
)

func (s CallState) String() string {
	switch s {
	case CallNotJoined:
		return "not_joined"
	case CallJoining:
		return "joining"
	case CallInCall:
		return "in_call"
	case CallLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

type TileEventType string

const (
	TileAttached TileEventType = "attached"
	TileDetached TileEventType = "detached"
)

// TileEvent tells the presentation layer to show or drop a participant's media.
type TileEvent struct {
	Type          TileEventType
	RoomID        RoomID
	ParticipantID ParticipantID
	Label         string
	Local         bool
	TrackID       string
	TrackKind     string
	At            time.Time
}
