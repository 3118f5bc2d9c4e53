package services

import (
	"context"
	"testing"
	"time"

	"meshcall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_RoundTrip(t *testing.T) {
	auth := NewAuthService("secret", time.Hour)

	token, err := auth.GenerateToken("alice", "Alice")
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantID("alice"), claims.ParticipantID)
	assert.Equal(t, "Alice", claims.DisplayName)
	assert.Equal(t, "alice", claims.Subject)
	assert.NoError(t, auth.CheckRoomAccess(claims, "any-room"))
	assert.Equal(t, time.Hour, auth.TokenTTL())
	assert.Equal(t, auth.TokenTTL(), claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time))
}

func TestAuthService_RejectsForeignAndExpiredTokens(t *testing.T) {
	auth := NewAuthService("secret", time.Hour)
	other := NewAuthService("other-secret", time.Hour)

	token, err := other.GenerateToken("alice", "")
	require.NoError(t, err)
	_, err = auth.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = auth.ValidateToken("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	stale := NewAuthService("secret", time.Hour).(*authService)
	stale.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err = stale.GenerateToken("alice", "")
	require.NoError(t, err)
	_, err = auth.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestAuthService_RoomScope(t *testing.T) {
	auth := NewAuthService("secret", time.Hour)

	token, err := auth.GenerateRoomToken("alice", "", "r1")
	require.NoError(t, err)
	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)

	assert.NoError(t, auth.CheckRoomAccess(claims, "r1"))
	assert.ErrorIs(t, auth.CheckRoomAccess(claims, "r2"), ErrUnauthorized)
	assert.ErrorIs(t, auth.CheckRoomAccess(nil, "r1"), ErrUnauthorized)
}

func TestParticipantContext(t *testing.T) {
	_, err := ParticipantFromContext(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)

	claims := &Claims{ParticipantID: "alice"}
	got, err := ParticipantFromContext(ContextWithParticipant(context.Background(), claims))
	require.NoError(t, err)
	assert.Same(t, claims, got)
}
