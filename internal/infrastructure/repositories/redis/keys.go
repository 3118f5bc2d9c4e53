package redis

import (
	"fmt"
	"regexp"

	"meshcall/internal/core/domain"
)

const (
	keyPrefix     = "meshcall:"
	roomsIndexKey = keyPrefix + "rooms"
)

func participantsKey(room domain.RoomID) string {
	return fmt.Sprintf("%sroom:%s:participants", keyPrefix, room)
}

func signalStreamKey(room domain.RoomID, to domain.ParticipantID) string {
	return fmt.Sprintf("%sroom:%s:signals:%s", keyPrefix, room, to)
}

var streamIDPattern = regexp.MustCompile(`^\d+-\d+$`)

// isStreamID reports whether id is a Redis stream entry id.
func isStreamID(id domain.SignalID) bool {
	return streamIDPattern.MatchString(string(id))
}
