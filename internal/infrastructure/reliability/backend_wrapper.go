package reliability

import (
	"context"
	"errors"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/circuitbreaker"
	"meshcall/pkg/config"
	"meshcall/pkg/retry"
	"meshcall/pkg/tracing"

	"go.uber.org/zap"
)

// retryable is implemented by transport errors that know whether a second
// attempt can succeed.
type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether a backend error is transient.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, domain.ErrInvalidSignal), errors.Is(err, domain.ErrSelfSignal):
		return false
	case errors.Is(err, domain.ErrSignalNotFound), errors.Is(err, domain.ErrParticipantNotFound):
		return false
	case errors.Is(err, domain.ErrBackendClosed):
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// BackendWrapper adds retry with backoff and a circuit breaker to the
// one-shot operations of a backend. Watches pass through.
type BackendWrapper struct {
	backend ports.Backend
	// name labels spans, e.g. "redis" or "relay".
	name   string
	logger *zap.SugaredLogger

	retryConfig    retry.Config
	circuitBreaker *circuitbreaker.CircuitBreaker
}

var _ ports.Backend = (*BackendWrapper)(nil)

func NewBackendWrapper(
	backend ports.Backend,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *BackendWrapper {
	if retryConfig.Retryable == nil {
		retryConfig.Retryable = IsRetryable
	}
	if cbConfig.IsFailure == nil {
		cbConfig.IsFailure = IsRetryable
	}

	w := &BackendWrapper{
		backend:        backend,
		name:           "backend",
		logger:         logger,
		retryConfig:    retryConfig,
		circuitBreaker: circuitbreaker.New(cbConfig),
	}
	w.circuitBreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("backend circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return w
}

// WrapFromConfig applies the reliability section of cfg.
func WrapFromConfig(backend ports.Backend, cfg *config.Config, logger *zap.SugaredLogger) *BackendWrapper {
	rc := retry.DefaultConfig()
	rc.Enabled = cfg.Reliability.RetryEnabled
	rc.MaxAttempts = cfg.Reliability.MaxAttempts
	rc.InitialDelay = cfg.Reliability.InitialDelay
	rc.MaxDelay = cfg.Reliability.MaxDelay

	cb := circuitbreaker.DefaultConfig()
	cb.FailureThreshold = cfg.Reliability.FailureThreshold
	cb.Timeout = cfg.Reliability.OpenTimeout

	w := NewBackendWrapper(backend, rc, cb, logger)
	if cfg.Backend.Type != "" {
		w.name = cfg.Backend.Type
	}
	return w
}

func (w *BackendWrapper) do(ctx context.Context, op string, fn func() error) error {
	ctx, span := tracing.TraceBackendOperation(ctx, w.name, op)
	defer span.End()

	err := retry.Retry(ctx, w.retryConfig, func() error {
		err := w.circuitBreaker.Execute(ctx, fn)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		w.logger.Debugw("backend operation failed", "backend", w.name, "operation", op, "error", err)
	}
	return err
}

func (w *BackendWrapper) Presence() ports.PresenceRegistry {
	return &presenceWrapper{w: w, inner: w.backend.Presence()}
}

func (w *BackendWrapper) Signaling() ports.SignalingChannel {
	return &signalingWrapper{w: w, inner: w.backend.Signaling()}
}

func (w *BackendWrapper) Ping(ctx context.Context) error {
	return w.backend.Ping(ctx)
}

func (w *BackendWrapper) Close() error {
	return w.backend.Close()
}

// CircuitState exposes the breaker for health reporting.
func (w *BackendWrapper) CircuitState() circuitbreaker.State {
	return w.circuitBreaker.GetState()
}

type presenceWrapper struct {
	w     *BackendWrapper
	inner ports.PresenceRegistry
}

func (p *presenceWrapper) Join(ctx context.Context, room domain.RoomID, participant domain.Participant) error {
	return p.w.do(ctx, "presence.join", func() error {
		return p.inner.Join(ctx, room, participant)
	})
}

func (p *presenceWrapper) Leave(ctx context.Context, room domain.RoomID, id domain.ParticipantID) error {
	return p.w.do(ctx, "presence.leave", func() error {
		return p.inner.Leave(ctx, room, id)
	})
}

func (p *presenceWrapper) Watch(ctx context.Context, room domain.RoomID) (<-chan []domain.Participant, error) {
	return p.inner.Watch(ctx, room)
}

func (p *presenceWrapper) Snapshot(ctx context.Context, room domain.RoomID) ([]domain.Participant, error) {
	var roster []domain.Participant
	err := p.w.do(ctx, "presence.snapshot", func() error {
		var err error
		roster, err = p.inner.Snapshot(ctx, room)
		return err
	})
	return roster, err
}

type signalingWrapper struct {
	w     *BackendWrapper
	inner ports.SignalingChannel
}

// Send retries with the same signal so a supplied id stays stable.
func (s *signalingWrapper) Send(ctx context.Context, sig *domain.Signal) error {
	return s.w.do(ctx, "signaling.send", func() error {
		return s.inner.Send(ctx, sig)
	})
}

func (s *signalingWrapper) Watch(ctx context.Context, room domain.RoomID, self domain.ParticipantID) (<-chan *domain.Signal, error) {
	return s.inner.Watch(ctx, room, self)
}

func (s *signalingWrapper) Delete(ctx context.Context, room domain.RoomID, self domain.ParticipantID, id domain.SignalID) error {
	return s.w.do(ctx, "signaling.delete", func() error {
		return s.inner.Delete(ctx, room, self, id)
	})
}
