package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/services"
	"meshcall/internal/infrastructure/monitoring"
	"meshcall/internal/infrastructure/repositories/memory"
	"meshcall/internal/infrastructure/signal"
	"meshcall/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	router  *gin.Engine
	backend *memory.Backend
	auth    services.AuthService
	health  *monitoring.HealthChecker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	logger := zap.NewNop().Sugar()
	backend := memory.NewBackend()
	auth := services.NewAuthService("test-secret", time.Hour)
	reg := prometheus.NewRegistry()
	collector := monitoring.NewPrometheusCollector(reg)
	health := monitoring.NewHealthChecker()
	health.AddBackendCheck("backend", backend, time.Second, time.Second)

	router := NewRouter(RouterDeps{
		Config:   cfg,
		Backend:  backend,
		Auth:     auth,
		Relay:    signal.NewRelayServer(backend, auth, collector, signal.RelayConfigFrom(cfg), logger),
		Health:   health,
		Gatherer: reg,
		Logger:   logger,
	})
	return &fixture{router: router, backend: backend, auth: auth, health: health}
}

func (f *fixture) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestIssueToken_GeneratesParticipantID(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/auth/token", "", TokenRequest{DisplayName: "  Alice  "})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ParticipantID)
	assert.Equal(t, int(time.Hour/time.Second), resp.ExpiresIn)

	claims, err := f.auth.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, resp.ParticipantID, claims.ParticipantID)
	assert.Equal(t, "Alice", claims.DisplayName)
	assert.Empty(t, claims.RoomID)
	// config default differs from the service lifetime; the token wins
	assert.NotEqual(t, config.DefaultConfig().Auth.AccessTokenTTL, time.Hour)
	assert.Equal(t, time.Duration(resp.ExpiresIn)*time.Second, claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time))
}

func TestIssueToken_RoomScoped(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/auth/token", "", TokenRequest{ParticipantID: "alice", RoomID: "r1"})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	claims, err := f.auth.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantID("alice"), claims.ParticipantID)
	assert.Equal(t, domain.RoomID("r1"), claims.RoomID)
}

func TestIssueToken_RejectsBadInput(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/auth/token", "", TokenRequest{ParticipantID: "not valid!"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_INPUT")

	w = f.do(http.MethodPost, "/api/v1/auth/token", "", TokenRequest{ParticipantID: "alice", RoomID: "bad room"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetParticipants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.backend.Presence().Join(ctx, "r1", domain.Participant{ID: "bob", JoinedAt: now.Add(time.Second)}))
	require.NoError(t, f.backend.Presence().Join(ctx, "r1", domain.Participant{ID: "alice", DisplayName: "Alice", JoinedAt: now}))

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/v1/rooms/r1/participants", "", nil).Code)

	token, err := f.auth.GenerateToken("carol", "")
	require.NoError(t, err)
	w := f.do(http.MethodGet, "/api/v1/rooms/r1/participants", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp RosterResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Participants, 2)
	assert.Equal(t, domain.ParticipantID("alice"), resp.Participants[0].ID)
	assert.Equal(t, domain.ParticipantID("bob"), resp.Participants[1].ID)

	w = f.do(http.MethodGet, "/api/v1/rooms/empty/participants", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"participants":[]`)
}

func TestGetParticipants_RoomScopedToken(t *testing.T) {
	f := newFixture(t)

	token, err := f.auth.GenerateRoomToken("carol", "", "r1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/rooms/r1/participants", token, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/api/v1/rooms/r2/participants", token, nil).Code)
}

func TestHealthReadyMetrics(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"connections":0`)

	w = f.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ready"`)

	w = f.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "meshcall_relay_connections")
}

func TestReady_FailsWhenBackendDown(t *testing.T) {
	f := newFixture(t)
	f.health.AddCheck("redis", func(context.Context) error {
		return errors.New("connection refused")
	}, time.Second, time.Second)

	w := f.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}
