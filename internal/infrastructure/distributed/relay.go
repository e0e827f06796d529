package distributed

import (
	"context"

	"meshroom/internal/core/domain"

	"go.uber.org/zap"
)

// ClusterRelay forwards frames for connections held by other instances.
type ClusterRelay struct {
	bus      *EventBus
	presence *SharedConnectionRegistry
	logger   *zap.SugaredLogger
}

func NewClusterRelay(bus *EventBus, presence *SharedConnectionRegistry, logger *zap.SugaredLogger) *ClusterRelay {
	return &ClusterRelay{
		bus:      bus,
		presence: presence,
		logger:   logger,
	}
}

func (r *ClusterRelay) Register(ctx context.Context, id domain.ConnectionID) error {
	return r.presence.Register(ctx, id)
}

func (r *ClusterRelay) Refresh(ctx context.Context, id domain.ConnectionID) error {
	return r.presence.Refresh(ctx, id)
}

func (r *ClusterRelay) Unregister(ctx context.Context, id domain.ConnectionID) error {
	return r.presence.Unregister(ctx, id)
}

// Forward publishes frame when target is connected to another instance. It
// reports false when the target is not connected anywhere.
func (r *ClusterRelay) Forward(ctx context.Context, target domain.ConnectionID, frame []byte) bool {
	owner, err := r.presence.Owner(ctx, target)
	if err != nil {
		r.logger.Warnw("presence lookup failed", "connection_id", target, "error", err)
		return false
	}
	if owner == "" || owner == r.bus.InstanceID() {
		return false
	}

	if err := r.bus.Publish(ctx, target, frame); err != nil {
		r.logger.Warnw("relay publish failed", "connection_id", target, "error", err)
		return false
	}
	return true
}

// Run delivers frames relayed by other instances through deliver until ctx
// is done.
func (r *ClusterRelay) Run(ctx context.Context, deliver func(domain.ConnectionID, []byte) bool) error {
	return r.bus.Subscribe(ctx, func(d Delivery) {
		if !deliver(d.Target, d.Frame) {
			r.logger.Debugw("relayed frame for unknown connection dropped",
				"connection_id", d.Target,
				"from_instance", d.InstanceID,
			)
		}
	})
}

func (r *ClusterRelay) Close(ctx context.Context) error {
	return r.presence.CleanupInstance(ctx)
}
