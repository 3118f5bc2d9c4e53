package redis

import (
	"context"
	"fmt"
	"time"

	"meshcall/internal/core/ports"
	"meshcall/internal/infrastructure/distributed"
	"meshcall/pkg/config"
	"meshcall/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient creates a new Redis client with connection pooling
func NewRedisClient(address, password string, db, poolSize int, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		// signal watches block for readBlock per XREAD
		ReadTimeout:  readBlock + 3*time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if err := Migrate(ctx, client, logger); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if logger != nil {
		logger.Infow("connected to Redis",
			"address", address,
			"db", db,
			"pool_size", poolSize,
		)
	}

	return client, nil
}

// Backend serves presence and signaling from one Redis deployment.
type Backend struct {
	client    *redis.Client
	presence  *RedisPresenceRegistry
	signaling *RedisSignalingChannel
}

var _ ports.Backend = (*Backend)(nil)

func NewBackend(cfg *config.Config, logger *zap.SugaredLogger) (*Backend, error) {
	client, err := NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, logger)
	if err != nil {
		return nil, err
	}
	return NewBackendFromClient(client, cfg.Signal.SignalTTL, logger), nil
}

func NewBackendFromClient(client *redis.Client, signalTTL time.Duration, logger *zap.SugaredLogger) *Backend {
	bus := distributed.NewEventBus(client, utils.NewRequestID(), logger)
	return &Backend{
		client:    client,
		presence:  NewRedisPresenceRegistry(client, bus, logger),
		signaling: NewRedisSignalingChannel(client, signalTTL, logger),
	}
}

func (b *Backend) Presence() ports.PresenceRegistry { return b.presence }

func (b *Backend) Signaling() ports.SignalingChannel { return b.signaling }

func (b *Backend) Rooms(ctx context.Context) ([]string, error) {
	rooms, err := b.presence.Rooms(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(rooms))
	for i, r := range rooms {
		out[i] = string(r)
	}
	return out, nil
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Backend) Close() error {
	return b.client.Close()
}
