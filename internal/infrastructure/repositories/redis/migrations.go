package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const currentSchemaVersion = 1

// Migration is one step of the key schema. Up receives the key prefix.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client redis.Cmdable, prefix string) error
}

func schemaVersionKey(prefix string) string {
	return prefix + "schema:version"
}

// Migrate runs every migration newer than the stored schema version.
func Migrate(ctx context.Context, client redis.Cmdable, prefix string, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client, prefix)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		logger.Debugw("Redis schema is up to date", "version", currentVersion)
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		logger.Infow("Running Redis migration", "version", migration.Version)

		if err := migration.Up(ctx, client, prefix); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, prefix, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	logger.Infow("Redis migrations completed", "version", currentSchemaVersion)
	return nil
}

func getSchemaVersion(ctx context.Context, client redis.Cmdable, prefix string) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey(prefix)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client redis.Cmdable, prefix string, version int) error {
	return client.Set(ctx, schemaVersionKey(prefix), version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Room claims must always expire. Drop any claim left without a
			// TTL so that its room can be hosted again.
			Version: 1,
			Up: func(ctx context.Context, client redis.Cmdable, prefix string) error {
				iter := client.Scan(ctx, 0, prefix+roomKeyPrefix+"*", 100).Iterator()
				for iter.Next(ctx) {
					key := iter.Val()
					ttl, err := client.TTL(ctx, key).Result()
					if err != nil {
						return err
					}
					// go-redis reports "no expiry" as -1ns.
					if ttl == -1 {
						if err := client.Del(ctx, key).Err(); err != nil {
							return err
						}
					}
				}
				return iter.Err()
			},
		},
	}
}
