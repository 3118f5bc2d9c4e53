package middleware

import (
	"fmt"
	"time"

	"meshcall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware wraps each request in a span named after its route.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.user_agent", c.Request.UserAgent()),
			attribute.String("http.remote_addr", c.ClientIP()),
			attribute.Bool("http.websocket", websocket.IsWebSocketUpgrade(c.Request)),
		)
		if room := c.Param("id"); room != "" {
			span.SetAttributes(attribute.String("room.id", room))
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		// hijacked websocket requests report their lifetime here
		span.SetAttributes(
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.duration_ms", time.Since(start).Milliseconds()),
		)
		if id, ok := c.Get(ParticipantIDKey); ok {
			span.SetAttributes(attribute.String("participant.id", fmt.Sprint(id)))
		}

		switch {
		case c.Writer.Status() >= 500:
			span.SetStatus(codes.Error, c.Errors.String())
		case len(c.Errors) > 0:
			span.SetAttributes(attribute.String("http.error", c.Errors.Last().Error()))
		}
	}
}

