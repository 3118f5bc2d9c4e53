package middleware

import (
	"net/http"
	"strings"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/services"
	"meshcall/pkg/errors"

	"github.com/gin-gonic/gin"
)

const (
	ParticipantIDKey = "participant_id"
	claimsKey        = "claims"
)

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.Split(c.GetHeader("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware requires a participant token and stores its claims on the
// gin context and the request context.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.Error(errors.NewUnauthorizedError("authorization header required"))
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.Error(errors.WrapError(err, errors.ErrCodeUnauthorized, err.Error(), http.StatusUnauthorized))
			c.Abort()
			return
		}

		c.Set(ParticipantIDKey, claims.ParticipantID)
		c.Set(claimsKey, claims)
		c.Request = c.Request.WithContext(services.ContextWithParticipant(c.Request.Context(), claims))
		c.Next()
	}
}

// RoomAccessMiddleware rejects room-scoped tokens on other rooms' routes.
func RoomAccessMiddleware(authService services.AuthService, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := services.ParticipantFromContext(c.Request.Context())
		if err != nil {
			c.Error(errors.NewUnauthorizedError("authentication required"))
			c.Abort()
			return
		}

		room := domain.RoomID(c.Param(param))
		if err := authService.CheckRoomAccess(claims, room); err != nil {
			c.Error(errors.NewForbiddenError("token not valid for this room"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// ClaimsFrom returns the claims stored by AuthMiddleware.
func ClaimsFrom(c *gin.Context) (*services.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*services.Claims)
	return claims, ok
}
