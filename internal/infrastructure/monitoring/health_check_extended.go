package monitoring

import (
	"context"
	"time"

	"meshroom/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRegistryCheck verifies the room registry answers queries.
func (h *HealthChecker) AddRegistryCheck(repo ports.RoomRepository, interval, timeout time.Duration) {
	h.AddCheck("registry", func(ctx context.Context) (bool, error) {
		if _, err := repo.Count(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}
