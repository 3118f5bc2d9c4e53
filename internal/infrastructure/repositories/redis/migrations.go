package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"meshcall/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = keyPrefix + "schema:version"
	migrationLockKey     = "schema:migrate"
	currentSchemaVersion = 2
)

// Migration represents a database migration
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate runs all pending migrations while holding the migration lock, so
// concurrent processes starting against one Redis do not race.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	lock := distributed.NewLockManager(client, keyPrefix+"lock:").AcquireLock(migrationLockKey, 30*time.Second)
	if err := lock.LockWithTimeout(ctx, 10*time.Second); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		if err := lock.Unlock(context.Background()); err != nil && logger != nil {
			logger.Warnw("failed to release migration lock", "error", err)
		}
	}()

	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Infow("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}

		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

// roomFromParticipantsKey extracts the room id from a roster hash key.
func roomFromParticipantsKey(key string) (string, bool) {
	rest := strings.TrimPrefix(key, keyPrefix+"room:")
	if rest == key || !strings.HasSuffix(rest, ":participants") {
		return "", false
	}
	return strings.TrimSuffix(rest, ":participants"), true
}

func getMigrations() []Migration {
	return []Migration{
		{
			// 1: backfill the room index from existing roster hashes
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				iter := client.Scan(ctx, 0, participantsKey("*"), 100).Iterator()
				for iter.Next(ctx) {
					room, ok := roomFromParticipantsKey(iter.Val())
					if !ok {
						continue
					}
					if err := client.SAdd(ctx, roomsIndexKey, room).Err(); err != nil {
						return err
					}
				}
				return iter.Err()
			},
		},
		{
			// 2: signal streams written before TTLs were applied never expire
			Version: 2,
			Up: func(ctx context.Context, client *redis.Client) error {
				iter := client.Scan(ctx, 0, keyPrefix+"room:*:signals:*", 100).Iterator()
				for iter.Next(ctx) {
					ttl, err := client.TTL(ctx, iter.Val()).Result()
					if err != nil {
						return err
					}
					if ttl < 0 {
						if err := client.Expire(ctx, iter.Val(), 10*time.Minute).Err(); err != nil {
							return err
						}
					}
				}
				return iter.Err()
			},
		},
	}
}
