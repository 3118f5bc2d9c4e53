package http

import (
	"context"
	"net/http"
	"time"

	"meshcall/internal/core/ports"
	"meshcall/internal/core/services"
	"meshcall/internal/infrastructure/middleware"
	"meshcall/internal/infrastructure/monitoring"
	"meshcall/internal/infrastructure/signal"
	"meshcall/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const readyTimeout = 2 * time.Second

// RouterDeps is everything the relay's HTTP surface is built from.
type RouterDeps struct {
	Config  *config.Config
	Backend ports.Backend
	Auth    services.AuthService
	Relay   *signal.RelayServer
	Health  *monitoring.HealthChecker
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	Logger   *zap.SugaredLogger
}

// NewRouter wires the relay routes and middleware.
func NewRouter(d RouterDeps) *gin.Engine {
	startTime := time.Now()

	router := gin.New()
	router.Use(
		middleware.RequestIDMiddleware(),
		middleware.RecoveryMiddleware(d.Logger),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(d.Logger),
		middleware.NewHTTPRateLimitMiddleware(d.Config),
	)

	NewAuthHandler(d.Auth).SetupRoutes(router)

	rooms := NewRoomHandler(d.Backend.Presence())
	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(d.Auth))
	{
		api.GET("/rooms/:id/participants", middleware.RoomAccessMiddleware(d.Auth, "id"), rooms.GetParticipants)
	}

	router.GET("/ws", d.Relay.HandleWebSocket)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      monitoring.StatusHealthy,
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": d.Relay.ConnectionCount(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
		defer cancel()

		status := d.Health.CheckAll(ctx)
		if status.Status != monitoring.StatusHealthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":       "not_ready",
				"timestamp":    status.Timestamp,
				"dependencies": status.Checks,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":       "ready",
			"timestamp":    status.Timestamp,
			"dependencies": status.Checks,
		})
	})

	if d.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	return router
}
