package repositories

import (
	"context"
	"fmt"
	"time"

	"pepehouse/internal/core/ports"
	"pepehouse/internal/infrastructure/distributed"
	"pepehouse/internal/infrastructure/repositories/memory"
	redisrepo "pepehouse/internal/infrastructure/repositories/redis"
	"pepehouse/pkg/circuitbreaker"
	"pepehouse/pkg/config"
	"pepehouse/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory builds the shared-state backends. It uses Redis when
// enabled and reachable and falls back to single-instance memory
// implementations otherwise.
type RepositoryFactory struct {
	cfg         *config.Config
	redisClient *redis.Client
	breaker     *circuitbreaker.CircuitBreaker
	logger      *zap.SugaredLogger

	directory *redisrepo.RedisRoomDirectory
	eventBus  *distributed.EventBus
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		cfg:    cfg,
		logger: logger,
	}

	if cfg.Redis.Enabled {
		retryCfg := retry.DefaultConfig()
		retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
			logger.Warnw("Redis not reachable, retrying", "attempt", attempt, "delay", delay, "error", err)
		}
		client, err := retry.RetryWithResult(ctx, retryCfg, func() (*redis.Client, error) {
			return redisrepo.NewRedisClient(ctx, redisrepo.ClientConfig{
				Address:   cfg.Redis.Address,
				Password:  cfg.Redis.Password,
				DB:        cfg.Redis.DB,
				PoolSize:  cfg.Redis.PoolSize,
				KeyPrefix: cfg.Redis.KeyPrefix,
			}, logger)
		})
		if err != nil {
			logger.Warnw("Failed to connect to Redis, falling back to memory repositories", "error", err)
		} else {
			factory.redisClient = client
			factory.breaker = circuitbreaker.New(circuitbreaker.DefaultConfig())
			factory.breaker.OnStateChange(func(from, to circuitbreaker.State) {
				logger.Warnw("Redis circuit breaker changed state", "from", from, "to", to)
			})
			logger.Infow("Using Redis repositories")
		}
	}

	if factory.redisClient == nil {
		logger.Infow("Using memory repositories")
	}
	return factory
}

// UsingRedis reports whether the factory hands out Redis backends.
func (f *RepositoryFactory) UsingRedis() bool {
	return f.redisClient != nil
}

// CreateRoomDirectory returns the room directory for this instance.
func (f *RepositoryFactory) CreateRoomDirectory() ports.RoomDirectory {
	if f.redisClient == nil {
		return memory.NewMemoryRoomDirectory(f.cfg.Server.InstanceID)
	}
	if f.directory == nil {
		f.directory = redisrepo.NewRedisRoomDirectory(
			f.redisClient,
			f.cfg.Redis.KeyPrefix,
			f.cfg.Server.InstanceID,
			f.cfg.Redis.RoomClaimTTL,
			f.breaker,
			f.logger,
		)
	}
	return f.directory
}

// CreateEventPublisher returns the Redis event bus, or nil without Redis.
func (f *RepositoryFactory) CreateEventPublisher() ports.RoomEventPublisher {
	if f.redisClient == nil {
		return nil
	}
	if f.eventBus == nil {
		busCfg := distributed.DefaultEventBusConfig()
		busCfg.Channel = f.cfg.Redis.EventChannel
		f.eventBus = distributed.NewEventBus(f.redisClient, busCfg, f.cfg.Server.InstanceID, f.logger)
	}
	return f.eventBus
}

// HealthCheck pings Redis when it is in use. An open breaker fails the
// check without touching the network.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient == nil {
		return nil
	}
	if f.breaker != nil && f.breaker.GetState() == circuitbreaker.StateOpen {
		return fmt.Errorf("redis: %w", circuitbreaker.ErrOpen)
	}
	return f.redisClient.Ping(ctx).Err()
}

// Close releases held room claims, flushes pending events and closes the
// Redis connection.
func (f *RepositoryFactory) Close(ctx context.Context) error {
	if f.directory != nil {
		f.directory.Close(ctx)
	}
	if f.eventBus != nil {
		if err := f.eventBus.Close(); err != nil {
			f.logger.Warnw("Failed to close event bus", "error", err)
		}
	}
	return redisrepo.CloseRedisClient(f.redisClient)
}
