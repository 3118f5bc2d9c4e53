package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"meshcall/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	signalField   = "signal"
	readBlock     = time.Second
	readBatchSize = 64
)

// RedisSignalingChannel keeps one stream per recipient. Signal ids are the
// stream entry ids unless the sender supplied one.
type RedisSignalingChannel struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.SugaredLogger
}

func NewRedisSignalingChannel(client *redis.Client, ttl time.Duration, logger *zap.SugaredLogger) *RedisSignalingChannel {
	return &RedisSignalingChannel{client: client, ttl: ttl, logger: logger}
}

func (c *RedisSignalingChannel) Send(ctx context.Context, sig *domain.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}

	key := signalStreamKey(sig.RoomID, sig.To)
	supplied := sig.ID

	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	pipe := c.client.TxPipeline()
	add := pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{signalField: data},
	})
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to send signal: %w", err)
	}

	if supplied == "" {
		sig.ID = domain.SignalID(add.Val())
	}
	return nil
}

func (c *RedisSignalingChannel) Watch(ctx context.Context, room domain.RoomID, self domain.ParticipantID) (<-chan *domain.Signal, error) {
	key := signalStreamKey(room, self)

	// resolve the tail now so signals sent between Watch and the first read are kept
	lastID := "0-0"
	tail, err := c.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read signal stream: %w", err)
	}
	if len(tail) > 0 {
		lastID = tail[0].ID
	}

	out := make(chan *domain.Signal, readBatchSize)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			streams, err := c.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   readBatchSize,
				Block:   readBlock,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) || ctx.Err() != nil {
					continue
				}
				c.logger.Warnw("signal read failed", "room_id", room, "participant_id", self, "error", err)
				select {
				case <-time.After(readBlock):
				case <-ctx.Done():
				}
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					sig, err := decodeSignal(msg)
					if err != nil {
						c.logger.Warnw("dropping malformed signal", "entry_id", msg.ID, "error", err)
						continue
					}
					select {
					case out <- sig:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out, nil
}

func decodeSignal(msg redis.XMessage) (*domain.Signal, error) {
	raw, ok := msg.Values[signalField].(string)
	if !ok {
		return nil, fmt.Errorf("entry has no %q field", signalField)
	}
	var sig domain.Signal
	if err := json.Unmarshal([]byte(raw), &sig); err != nil {
		return nil, err
	}
	if sig.ID == "" {
		sig.ID = domain.SignalID(msg.ID)
	}
	return &sig, nil
}

// Delete removes a consumed signal. Unknown ids are ignored.
func (c *RedisSignalingChannel) Delete(ctx context.Context, room domain.RoomID, self domain.ParticipantID, id domain.SignalID) error {
	key := signalStreamKey(room, self)

	if isStreamID(id) {
		if err := c.client.XDel(ctx, key, string(id)).Err(); err != nil {
			return fmt.Errorf("failed to delete signal: %w", err)
		}
		return nil
	}

	entries, err := c.client.XRange(ctx, key, "-", "+").Result()
	if err != nil {
		return fmt.Errorf("failed to scan signals: %w", err)
	}
	for _, msg := range entries {
		sig, err := decodeSignal(msg)
		if err != nil || sig.ID != id {
			continue
		}
		if err := c.client.XDel(ctx, key, msg.ID).Err(); err != nil {
			return fmt.Errorf("failed to delete signal: %w", err)
		}
		return nil
	}
	return nil
}

// Pending returns the number of undeleted signals addressed to self.
func (c *RedisSignalingChannel) Pending(ctx context.Context, room domain.RoomID, self domain.ParticipantID) (int64, error) {
	return c.client.XLen(ctx, signalStreamKey(room, self)).Result()
}
