package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"meshroom/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const deliveryChannel = "meshroom:signal:deliveries"

// Delivery is a signaling frame addressed to a connection that may live on
// another server instance.
type Delivery struct {
	InstanceID string              `json:"instance_id"`
	Target     domain.ConnectionID `json:"target"`
	Frame      json.RawMessage     `json:"frame"`
	Timestamp  time.Time           `json:"timestamp"`
}

// EventBus relays deliveries between instances over Redis pub/sub. Delivery
// is at most once, like the local relay.
type EventBus struct {
	client     redis.UniversalClient
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
}

func NewEventBus(client redis.UniversalClient, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    deliveryChannel,
		logger:     logger,
	}
}

func (eb *EventBus) InstanceID() string {
	return eb.instanceID
}

func (eb *EventBus) Publish(ctx context.Context, target domain.ConnectionID, frame []byte) error {
	data, err := json.Marshal(Delivery{
		InstanceID: eb.instanceID,
		Target:     target,
		Frame:      frame,
		Timestamp:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish delivery: %w", err)
	}
	return nil
}

// Subscribe calls handler for every delivery published by other instances
// until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(Delivery)) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}
	eb.logger.Infow("subscribed to signaling relay", "channel", eb.channel, "instance_id", eb.instanceID)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var d Delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				eb.logger.Warnw("failed to unmarshal delivery", "error", err)
				continue
			}
			if d.InstanceID == eb.instanceID {
				continue
			}
			handler(d)
		}
	}
}
