package repositories

import (
	"context"
	"time"

	"meshroom/internal/core/ports"
	"meshroom/internal/infrastructure/reliability"
	"meshroom/internal/infrastructure/repositories/memory"
	redisrepo "meshroom/internal/infrastructure/repositories/redis"
	"meshroom/pkg/circuitbreaker"
	"meshroom/pkg/config"
	"meshroom/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory picks the Redis registry when Redis is configured and
// reachable, and the in-process registry otherwise.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	cfg         *config.Config
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		cfg:      cfg,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory registry",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis room registry")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory room registry")
	}

	return factory
}

// CreateRoomRepository returns the registry. The Redis one sits behind a
// circuit breaker so an outage fails joins fast instead of stalling them.
func (f *RepositoryFactory) CreateRoomRepository() ports.RoomRepository {
	if f.useRedis && f.redisClient != nil {
		retryCfg := retry.DefaultConfig()
		retryCfg.MaxAttempts = 2
		retryCfg.InitialDelay = 50 * time.Millisecond
		retryCfg.MaxDelay = 500 * time.Millisecond
		return reliability.NewGuardedRegistry(
			redisrepo.NewRedisRoomRepository(f.redisClient, f.cfg.Redis.LockTTL),
			retryCfg,
			circuitbreaker.DefaultConfig(),
			f.logger,
		)
	}
	return memory.NewMemoryRoomRepository()
}

// RedisClient is nil when the memory registry is in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if f.useRedis {
		return f.redisClient
	}
	return nil
}

func (f *RepositoryFactory) Close() error {
	return redisrepo.CloseRedisClient(f.redisClient)
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
