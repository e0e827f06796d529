package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meshroom/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const presenceTTL = 2 * time.Minute

// SharedConnectionRegistry records which instance owns each live websocket
// connection, so a relayed unicast is only published for targets that are
// connected somewhere.
type SharedConnectionRegistry struct {
	client     redis.UniversalClient
	instanceID string
	prefix     string
	logger     *zap.SugaredLogger
}

func NewSharedConnectionRegistry(client redis.UniversalClient, instanceID string, logger *zap.SugaredLogger) *SharedConnectionRegistry {
	return &SharedConnectionRegistry{
		client:     client,
		instanceID: instanceID,
		prefix:     "meshroom:presence:",
		logger:     logger,
	}
}

func (r *SharedConnectionRegistry) connKey(id domain.ConnectionID) string {
	return r.prefix + "conn:" + string(id)
}

func (r *SharedConnectionRegistry) instanceKey() string {
	return r.prefix + "instance:" + r.instanceID
}

func (r *SharedConnectionRegistry) Register(ctx context.Context, id domain.ConnectionID) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.connKey(id), r.instanceID, presenceTTL)
		pipe.SAdd(ctx, r.instanceKey(), string(id))
		pipe.Expire(ctx, r.instanceKey(), 2*presenceTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register connection: %w", err)
	}
	return nil
}

// Refresh extends the presence TTL; called on every pong.
func (r *SharedConnectionRegistry) Refresh(ctx context.Context, id domain.ConnectionID) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, r.connKey(id), presenceTTL)
		pipe.Expire(ctx, r.instanceKey(), 2*presenceTTL)
		return nil
	})
	return err
}

func (r *SharedConnectionRegistry) Unregister(ctx context.Context, id domain.ConnectionID) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.connKey(id))
		pipe.SRem(ctx, r.instanceKey(), string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to unregister connection: %w", err)
	}
	return nil
}

// Owner returns the instance holding the connection, or "" when it is not
// connected anywhere.
func (r *SharedConnectionRegistry) Owner(ctx context.Context, id domain.ConnectionID) (string, error) {
	owner, err := r.client.Get(ctx, r.connKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get connection owner: %w", err)
	}
	return owner, nil
}

// CleanupInstance drops every presence record of this instance, on shutdown.
func (r *SharedConnectionRegistry) CleanupInstance(ctx context.Context) error {
	ids, err := r.client.SMembers(ctx, r.instanceKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to list instance connections: %w", err)
	}

	for _, id := range ids {
		if err := r.client.Del(ctx, r.connKey(domain.ConnectionID(id))).Err(); err != nil {
			r.logger.Warnw("failed to drop presence", "connection_id", id, "error", err)
		}
	}
	return r.client.Del(ctx, r.instanceKey()).Err()
}
