package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewParticipantID returns a random participant id that passes id validation.
func NewParticipantID() string {
	return uuid.NewString()
}

func NewSignalID() string {
	return "sig_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func NewRequestID() string {
	return "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
