package repositories

import (
	"context"
	"fmt"

	"meshcall/internal/core/ports"
	"meshcall/internal/infrastructure/reliability"
	"meshcall/internal/infrastructure/repositories/memory"
	redisrepo "meshcall/internal/infrastructure/repositories/redis"
	"meshcall/internal/infrastructure/signal"
	"meshcall/pkg/config"

	"go.uber.org/zap"
)

// NewBackend opens the coordination backend named by cfg.Backend.Type and
// wraps it with retry and a circuit breaker.
func NewBackend(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*reliability.BackendWrapper, error) {
	inner, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return reliability.WrapFromConfig(inner, cfg, logger), nil
}

// NewServerBackend is NewBackend for the relay server, which falls back to
// the in-memory store when Redis cannot be reached.
func NewServerBackend(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*reliability.BackendWrapper, error) {
	if cfg.Backend.Type == config.BackendRelay {
		return nil, fmt.Errorf("relay server cannot use backend type %q", cfg.Backend.Type)
	}
	inner, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Warnw("failed to connect to Redis, falling back to memory backend",
			"error", err,
		)
		inner = memory.NewBackend()
	}
	return reliability.WrapFromConfig(inner, cfg, logger), nil
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (ports.Backend, error) {
	switch cfg.Backend.Type {
	case config.BackendMemory, "":
		logger.Info("using memory backend")
		return memory.NewBackend(), nil

	case config.BackendRedis:
		backend, err := redisrepo.NewBackend(cfg, logger)
		if err != nil {
			return nil, err
		}
		logger.Infow("using Redis backend", "address", cfg.Redis.Address)
		return backend, nil

	case config.BackendRelay:
		client, err := signal.DialRelay(ctx, cfg.Backend.RelayURL, cfg.Backend.Token, logger)
		if err != nil {
			return nil, err
		}
		logger.Infow("using relay backend", "url", cfg.Backend.RelayURL)
		return client, nil
	}
	return nil, fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
}
