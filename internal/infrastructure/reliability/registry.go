// Package reliability guards the shared room registry against a flaky or
// unreachable backing store.
package reliability

import (
	"context"
	"errors"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/pkg/circuitbreaker"
	"meshroom/pkg/retry"

	"go.uber.org/zap"
)

// GuardedRegistry wraps a RoomRepository with a circuit breaker. Idempotent
// calls are also retried. Join is not: a retried join after a lost reply
// would report the joiner as already present.
type GuardedRegistry struct {
	next    ports.RoomRepository
	breaker *circuitbreaker.CircuitBreaker
	retry   retry.Config
	logger  *zap.SugaredLogger
}

var _ ports.RoomRepository = (*GuardedRegistry)(nil)

// Answers from a healthy registry, not outages.
func isAnswer(err error) bool {
	return errors.Is(err, domain.ErrRoomNotFound) ||
		errors.Is(err, domain.ErrParticipantNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func NewGuardedRegistry(next ports.RoomRepository, retryCfg retry.Config, cbCfg circuitbreaker.Config, logger *zap.SugaredLogger) *GuardedRegistry {
	cbCfg.Ignore = isAnswer
	retryCfg.Permanent = func(err error) bool {
		return isAnswer(err) || errors.Is(err, circuitbreaker.ErrOpen)
	}
	retryCfg.OnRetry = func(attempt int, _ time.Duration, err error) {
		logger.Debugw("retrying registry call", "attempt", attempt, "error", err)
	}

	g := &GuardedRegistry{
		next:    next,
		breaker: circuitbreaker.New(cbCfg),
		retry:   retryCfg,
		logger:  logger,
	}
	g.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("room registry circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return g
}

// State reports the breaker state. The readiness check sees an open breaker
// as a failing Count.
func (g *GuardedRegistry) State() circuitbreaker.State {
	return g.breaker.State()
}

func guarded[T any](ctx context.Context, g *GuardedRegistry, idempotent bool, fn func() (T, error)) (T, error) {
	call := func() (T, error) {
		return circuitbreaker.Do(g.breaker, fn)
	}
	if !idempotent {
		return call()
	}
	return retry.RetryWithResult(ctx, g.retry, call)
}

func (g *GuardedRegistry) Join(ctx context.Context, code domain.RoomCode, p domain.Participant, title string) (domain.Admission, error) {
	return guarded(ctx, g, false, func() (domain.Admission, error) {
		return g.next.Join(ctx, code, p, title)
	})
}

type leaveResult struct {
	removed *domain.Participant
	deleted bool
}

func (g *GuardedRegistry) Leave(ctx context.Context, code domain.RoomCode, id domain.ConnectionID) (*domain.Participant, bool, error) {
	r, err := guarded(ctx, g, true, func() (leaveResult, error) {
		removed, deleted, err := g.next.Leave(ctx, code, id)
		return leaveResult{removed, deleted}, err
	})
	return r.removed, r.deleted, err
}

func (g *GuardedRegistry) RoomsOf(ctx context.Context, id domain.ConnectionID) ([]domain.RoomCode, error) {
	return guarded(ctx, g, true, func() ([]domain.RoomCode, error) {
		return g.next.RoomsOf(ctx, id)
	})
}

func (g *GuardedRegistry) Get(ctx context.Context, code domain.RoomCode) (*domain.Room, error) {
	return guarded(ctx, g, true, func() (*domain.Room, error) {
		return g.next.Get(ctx, code)
	})
}

func (g *GuardedRegistry) Members(ctx context.Context, code domain.RoomCode) ([]domain.Participant, error) {
	return guarded(ctx, g, true, func() ([]domain.Participant, error) {
		return g.next.Members(ctx, code)
	})
}

func (g *GuardedRegistry) Count(ctx context.Context) (int, error) {
	return guarded(ctx, g, true, func() (int, error) {
		return g.next.Count(ctx)
	})
}
