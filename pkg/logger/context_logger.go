package logger

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const (
	roomKey        contextKey = "room_id"
	participantKey contextKey = "participant_id"
	requestKey     contextKey = "request_id"
)

func WithRoom(ctx context.Context, room string) context.Context {
	return context.WithValue(ctx, roomKey, room)
}

func WithParticipant(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, participantKey, id)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestKey, id)
}

// ContextLogger decorates log lines with the call identifiers carried by a context.
type ContextLogger struct {
	logger *zap.SugaredLogger
}

func NewContextLogger(logger *zap.SugaredLogger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// For returns a logger carrying room, participant and request ids from ctx.
func (cl *ContextLogger) For(ctx context.Context) *zap.SugaredLogger {
	var fields []interface{}
	for _, key := range []contextKey{roomKey, participantKey, requestKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, string(key), v)
		}
	}
	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

func (cl *ContextLogger) Error(ctx context.Context, err error, msg string, keysAndValues ...interface{}) {
	cl.For(ctx).With("error", err).Errorw(msg, keysAndValues...)
}

func (cl *ContextLogger) Info(ctx context.Context, msg string, keysAndValues ...interface{}) {
	cl.For(ctx).Infow(msg, keysAndValues...)
}

func (cl *ContextLogger) Debug(ctx context.Context, msg string, keysAndValues ...interface{}) {
	cl.For(ctx).Debugw(msg, keysAndValues...)
}

func (cl *ContextLogger) Warn(ctx context.Context, msg string, keysAndValues ...interface{}) {
	cl.For(ctx).Warnw(msg, keysAndValues...)
}
