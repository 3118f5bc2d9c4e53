package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"meshcall/internal/core/domain"
)

// Message types exchanged over the relay websocket.
const (
	TypeJoin          = "join"
	TypeLeave         = "leave"
	TypeWatchPresence = "watch_presence"
	TypeWatchSignals  = "watch_signals"
	TypeUnwatch       = "unwatch"
	TypeSignal        = "signal"
	TypeAck           = "ack"

	TypeOK       = "ok"
	TypeError    = "error"
	TypePresence = "presence"
)

// Message is the envelope for every frame in both directions. Replies and
// pushes carry the id of the request or watch they belong to.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	RoomID  domain.RoomID   `json:"room_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	DisplayName string `json:"display_name,omitempty"`
	// JoinedAt is kept as sent so rejoins are visible to other participants.
	JoinedAt time.Time `json:"joined_at"`
}

type SignalPayload struct {
	Signal *domain.Signal `json:"signal"`
}

type AckPayload struct {
	SignalID domain.SignalID `json:"signal_id"`
}

type UnwatchPayload struct {
	WatchID string `json:"watch_id"`
}

type PresencePayload struct {
	Participants []domain.Participant `json:"participants"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SentPayload answers a signal request with the assigned id.
type SentPayload struct {
	ID domain.SignalID `json:"id"`
}

func newMessage(id, msgType string, room domain.RoomID, payload interface{}) (*Message, error) {
	msg := &Message{ID: id, Type: msgType, RoomID: room}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

func decodePayload(msg *Message, into interface{}) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("%s payload is required", msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, into); err != nil {
		return fmt.Errorf("invalid %s payload: %w", msg.Type, err)
	}
	return nil
}
