package http

import (
	"net/http"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/services"
	"meshcall/pkg/errors"
	"meshcall/pkg/utils"
	"meshcall/pkg/validation"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	authService services.AuthService
}

func NewAuthHandler(authService services.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
	}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
	}
}

type TokenRequest struct {
	ParticipantID string `json:"participant_id" binding:"max=100"`
	DisplayName   string `json:"display_name" binding:"max=200"`
	// RoomID scopes the token to one room when set.
	RoomID string `json:"room_id" binding:"max=100"`
}

type TokenResponse struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	AccessToken   string               `json:"access_token"`
	ExpiresIn     int                  `json:"expires_in"`
}

// IssueToken signs a participant token. A participant id is generated when
// the request omits one.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	if req.ParticipantID == "" {
		req.ParticipantID = utils.NewParticipantID()
	}
	if err := validation.ValidateParticipantID(req.ParticipantID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	name, err := validation.NormalizeDisplayName(req.DisplayName)
	if err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	id := domain.ParticipantID(req.ParticipantID)
	var token string
	if req.RoomID != "" {
		if err := validation.ValidateRoomID(req.RoomID); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
		token, err = h.authService.GenerateRoomToken(id, name, domain.RoomID(req.RoomID))
	} else {
		token, err = h.authService.GenerateToken(id, name)
	}
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusCreated, TokenResponse{
		ParticipantID: id,
		AccessToken:   token,
		ExpiresIn:     int(h.authService.TokenTTL() / time.Second),
	})
}
