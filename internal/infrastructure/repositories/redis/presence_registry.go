package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"meshcall/internal/core/domain"
	"meshcall/internal/infrastructure/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPresenceRegistry stores each room roster in a hash and announces
// changes on the room event channel.
type RedisPresenceRegistry struct {
	client *redis.Client
	bus    *distributed.EventBus
	logger *zap.SugaredLogger
}

func NewRedisPresenceRegistry(client *redis.Client, bus *distributed.EventBus, logger *zap.SugaredLogger) *RedisPresenceRegistry {
	return &RedisPresenceRegistry{client: client, bus: bus, logger: logger}
}

func (r *RedisPresenceRegistry) Join(ctx context.Context, room domain.RoomID, p domain.Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, participantsKey(room), string(p.ID), data)
	pipe.SAdd(ctx, roomsIndexKey, string(room))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}

	return r.bus.PublishParticipantJoined(ctx, room, p.ID)
}

func (r *RedisPresenceRegistry) Leave(ctx context.Context, room domain.RoomID, id domain.ParticipantID) error {
	removed, err := r.client.HDel(ctx, participantsKey(room), string(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to leave room: %w", err)
	}
	if removed == 0 {
		return nil
	}

	remaining, err := r.client.HLen(ctx, participantsKey(room)).Result()
	if err == nil && remaining == 0 {
		r.client.SRem(ctx, roomsIndexKey, string(room))
	}

	return r.bus.PublishParticipantLeft(ctx, room, id)
}

func (r *RedisPresenceRegistry) Snapshot(ctx context.Context, room domain.RoomID) ([]domain.Participant, error) {
	entries, err := r.client.HGetAll(ctx, participantsKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}

	roster := make([]domain.Participant, 0, len(entries))
	for id, raw := range entries {
		var p domain.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			r.logger.Warnw("skipping malformed roster entry", "room_id", room, "participant_id", id, "error", err)
			continue
		}
		roster = append(roster, p)
	}
	domain.SortParticipants(roster)
	return roster, nil
}

// Watch re-reads the roster on every room event. Events that arrive while
// a snapshot is pending replace it.
func (r *RedisPresenceRegistry) Watch(ctx context.Context, room domain.RoomID) (<-chan []domain.Participant, error) {
	events, err := r.bus.Listen(ctx, room)
	if err != nil {
		return nil, err
	}
	initial, err := r.Snapshot(ctx, room)
	if err != nil {
		return nil, err
	}

	out := make(chan []domain.Participant, 1)
	out <- initial

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					if ctx.Err() == nil {
						r.logger.Warnw("room event subscription lost", "room_id", room)
					}
					return
				}
				roster, err := r.Snapshot(ctx, room)
				if err != nil {
					if ctx.Err() == nil {
						r.logger.Warnw("failed to refresh roster", "room_id", room, "error", err)
					}
					continue
				}
				select {
				case <-out:
				default:
				}
				out <- roster
			}
		}
	}()

	return out, nil
}

// Rooms lists rooms that currently have participants.
func (r *RedisPresenceRegistry) Rooms(ctx context.Context) ([]domain.RoomID, error) {
	members, err := r.client.SMembers(ctx, roomsIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	rooms := make([]domain.RoomID, len(members))
	for i, m := range members {
		rooms[i] = domain.RoomID(m)
	}
	return rooms, nil
}
