package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

// MockPresenceRegistry for tests
type MockPresenceRegistry struct {
	mock.Mock
}

func (m *MockPresenceRegistry) Join(ctx context.Context, room domain.RoomID, p domain.Participant) error {
	args := m.Called(ctx, room, p)
	return args.Error(0)
}

func (m *MockPresenceRegistry) Leave(ctx context.Context, room domain.RoomID, id domain.ParticipantID) error {
	args := m.Called(ctx, room, id)
	return args.Error(0)
}

func (m *MockPresenceRegistry) Watch(ctx context.Context, room domain.RoomID) (<-chan []domain.Participant, error) {
	args := m.Called(ctx, room)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(<-chan []domain.Participant), args.Error(1)
}

func (m *MockPresenceRegistry) Snapshot(ctx context.Context, room domain.RoomID) ([]domain.Participant, error) {
	args := m.Called(ctx, room)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Participant), args.Error(1)
}

func roomRouter(presence *MockPresenceRegistry) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/rooms/:id/participants", NewRoomHandler(presence).GetParticipants)
	return router
}

func TestRoomHandler_BackendFailure(t *testing.T) {
	presence := new(MockPresenceRegistry)
	presence.On("Snapshot", mock.Anything, domain.RoomID("r1")).Return(nil, errors.New("redis: i/o timeout"))

	w := httptest.NewRecorder()
	roomRouter(presence).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rooms/r1/participants", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "SERVICE_UNAVAILABLE")
	assert.NotContains(t, w.Body.String(), "i/o timeout")
	presence.AssertExpectations(t)
}

func TestRoomHandler_ReturnsSnapshot(t *testing.T) {
	presence := new(MockPresenceRegistry)
	joined := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	presence.On("Snapshot", mock.Anything, domain.RoomID("r1")).Return([]domain.Participant{
		{ID: "alice", DisplayName: "Alice", JoinedAt: joined},
	}, nil)

	w := httptest.NewRecorder()
	roomRouter(presence).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rooms/r1/participants", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"room_id":"r1","participants":[{"participant_id":"alice","display_name":"Alice","joined_at":"2026-01-02T03:04:05Z"}]}`, w.Body.String())
	presence.AssertExpectations(t)
}

func TestRoomHandler_InvalidRoom(t *testing.T) {
	presence := new(MockPresenceRegistry)

	w := httptest.NewRecorder()
	roomRouter(presence).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rooms/bad.room/participants", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	presence.AssertNotCalled(t, "Snapshot", mock.Anything, mock.Anything)
}
