package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type SignalID string

type SignalKind string

const (
	SignalOffer  SignalKind = "offer"
	SignalAnswer SignalKind = "answer"
	SignalICE    SignalKind = "ice"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalICE:
		return true
	}
	return false
}

// Signal is one negotiation message addressed to a single recipient.
// It is consumed once and then deleted.
type Signal struct {
	ID        SignalID        `json:"id"`
	RoomID    RoomID          `json:"room_id"`
	To        ParticipantID   `json:"to"`
	From      ParticipantID   `json:"from"`
	Kind      SignalKind      `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Validate checks the addressing fields and kind. Payload contents are
// checked by the consumer.
func (s *Signal) Validate() error {
	if s.RoomID == "" {
		return fmt.Errorf("%w: missing room", ErrInvalidSignal)
	}
	if s.To == "" || s.From == "" {
		return fmt.Errorf("%w: missing sender or recipient", ErrInvalidSignal)
	}
	if s.To == s.From {
		return ErrSelfSignal
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSignal, s.Kind)
	}
	if len(s.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidSignal)
	}
	return nil
}
