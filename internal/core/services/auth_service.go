package services

import (
	"context"
	"errors"
	"time"

	"meshcall/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

type participantCtxKey struct{}

// AuthService issues and checks the tokens relay clients present on connect.
type AuthService interface {
	GenerateToken(id domain.ParticipantID, displayName string) (string, error)
	// GenerateRoomToken issues a token usable only in room.
	GenerateRoomToken(id domain.ParticipantID, displayName string, room domain.RoomID) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	// CheckRoomAccess rejects tokens scoped to a different room.
	CheckRoomAccess(claims *Claims, room domain.RoomID) error
	// TokenTTL is the lifetime of every issued token.
	TokenTTL() time.Duration
}

type Claims struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	DisplayName   string               `json:"display_name,omitempty"`
	// RoomID restricts the token to one room when set.
	RoomID domain.RoomID `json:"room_id,omitempty"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret      []byte
	accessTokenTTL time.Duration
	now            func() time.Time
}

func NewAuthService(jwtSecret string, accessTokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret:      []byte(jwtSecret),
		accessTokenTTL: accessTokenTTL,
		now:            time.Now,
	}
}

func (s *authService) TokenTTL() time.Duration {
	return s.accessTokenTTL
}

func (s *authService) GenerateToken(id domain.ParticipantID, displayName string) (string, error) {
	return s.sign(&Claims{ParticipantID: id, DisplayName: displayName})
}

func (s *authService) GenerateRoomToken(id domain.ParticipantID, displayName string, room domain.RoomID) (string, error) {
	return s.sign(&Claims{ParticipantID: id, DisplayName: displayName, RoomID: room})
}

func (s *authService) sign(claims *Claims) (string, error) {
	now := s.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   string(claims.ParticipantID),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenTTL)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.ParticipantID != "" {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

func (s *authService) CheckRoomAccess(claims *Claims, room domain.RoomID) error {
	if claims == nil {
		return ErrUnauthorized
	}
	if claims.RoomID != "" && claims.RoomID != room {
		return ErrUnauthorized
	}
	return nil
}

func ContextWithParticipant(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, participantCtxKey{}, claims)
}

func ParticipantFromContext(ctx context.Context) (*Claims, error) {
	claims, ok := ctx.Value(participantCtxKey{}).(*Claims)
	if !ok || claims == nil {
		return nil, ErrUnauthorized
	}
	return claims, nil
}
