package domain

import (
	"sort"
	"time"
)

type RoomID string

type ParticipantID string

// Participant is one roster entry of a call room.
type Participant struct {
	ID          ParticipantID `json:"participant_id"`
	DisplayName string        `json:"display_name,omitempty"`
	JoinedAt    time.Time     `json:"joined_at"`
}

const shortIDLength = 6

// Label returns the display name, falling back to a short id prefix.
func (p Participant) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return ShortID(p.ID)
}

func ShortID(id ParticipantID) string {
	s := string(id)
	if len(s) > shortIDLength {
		return s[:shortIDLength]
	}
	return s
}

// SortParticipants orders a roster by join time, then id.
func SortParticipants(ps []Participant) {
	sort.SliceStable(ps, func(i, j int) bool {
		if !ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].JoinedAt.Before(ps[j].JoinedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}

// Initiates reports whether self sends the initial offer to remote.
// Only the lexically greater id offers, so exactly one side of a pair does.
func Initiates(self, remote ParticipantID) bool {
	return self > remote
}
