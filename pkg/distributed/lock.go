package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrLockTimeout = errors.New("lock acquisition timeout")
	ErrLockNotHeld = errors.New("lock was not held by this holder")
)

const (
	defaultAcquireTimeout = 10 * time.Second
	retryInterval         = 25 * time.Millisecond
)

// Only delete the key if it still carries our token.
var unlockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// DistributedLock is a Redis SET NX lock with background renewal. A lock
// value is single use: after Unlock, acquire a new one from the LockManager.
type DistributedLock struct {
	client redis.Cmdable
	key    string
	value  string
	ttl    time.Duration

	stopRenew chan struct{}
	stopOnce  sync.Once
}

func NewDistributedLock(client redis.Cmdable, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client:    client,
		key:       key,
		value:     generateLockValue(),
		ttl:       ttl,
		stopRenew: make(chan struct{}),
	}
}

func generateLockValue() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func (l *DistributedLock) Key() string {
	return l.key
}

// Lock blocks until the lock is acquired, ctx is done, or the default
// acquisition timeout elapses.
func (l *DistributedLock) Lock(ctx context.Context) error {
	return l.LockWithTimeout(ctx, defaultAcquireTimeout)
}

func (l *DistributedLock) LockWithTimeout(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		acquired, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, l.key)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if acquired {
		go l.renewLock()
	}
	return acquired, nil
}

func (l *DistributedLock) Unlock(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopRenew) })

	result, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// renewLock extends the TTL at half-life until Unlock or until another
// holder owns the key. It is detached from the caller's context so that a
// short request context does not let the lock lapse mid critical section.
func (l *DistributedLock) renewLock() {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			ok, err := renewScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil || ok == 0 {
				return
			}
		case <-l.stopRenew:
			return
		}
	}
}

func (l *DistributedLock) IsLocked(ctx context.Context) (bool, error) {
	exists, err := l.client.Exists(ctx, l.key).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// LockManager hands out locks under a common key prefix.
type LockManager struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewLockManager(client redis.Cmdable, prefix string, ttl time.Duration) *LockManager {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &LockManager{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (lm *LockManager) AcquireLock(key string) *DistributedLock {
	return NewDistributedLock(lm.client, lm.prefix+key, lm.ttl)
}

// WithLock runs fn while holding the lock for key.
func (lm *LockManager) WithLock(ctx context.Context, key string, fn func() error) (err error) {
	lock := lm.AcquireLock(key)
	if err := lock.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		// Release even if ctx was cancelled inside fn.
		unlockCtx, cancel := context.WithTimeout(context.Background(), lm.ttl)
		defer cancel()
		if uerr := lock.Unlock(unlockCtx); uerr != nil && err == nil {
			err = uerr
		}
	}()
	return fn()
}
