package http

import (
	"net/http"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/errors"
	"meshcall/pkg/validation"

	"github.com/gin-gonic/gin"
)

type RoomHandler struct {
	presence ports.PresenceRegistry
}

func NewRoomHandler(presence ports.PresenceRegistry) *RoomHandler {
	return &RoomHandler{presence: presence}
}

type RosterResponse struct {
	RoomID       domain.RoomID        `json:"room_id"`
	Participants []domain.Participant `json:"participants"`
}

// GetParticipants returns the current roster of a room.
func (h *RoomHandler) GetParticipants(c *gin.Context) {
	room := c.Param("id")
	if err := validation.ValidateRoomID(room); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	roster, err := h.presence.Snapshot(c.Request.Context(), domain.RoomID(room))
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeServiceUnavailable, "presence backend unavailable", http.StatusServiceUnavailable))
		return
	}
	if roster == nil {
		roster = []domain.Participant{}
	}

	c.JSON(http.StatusOK, RosterResponse{
		RoomID:       domain.RoomID(room),
		Participants: roster,
	})
}
