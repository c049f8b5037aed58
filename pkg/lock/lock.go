package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockUnavailable is returned when a lock could not be acquired before the
// timeout elapsed. Store errors are returned wrapped and never match it.
var ErrLockUnavailable = errors.New("lock unavailable")

// ErrInvalidTimeout is returned for timeouts the store can't express as a
// key expiry. A key without expiry would never heal after a crashed holder.
var ErrInvalidTimeout = errors.New("lock timeout must be at least 1ms")

const (
	defaultKeyPrefix     = "lock:"
	defaultRetryInterval = 50 * time.Millisecond
)

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Manager is a TTL based distributed mutex on top of Redis.
//
// Mutual exclusion is best effort: if a holder outlives the TTL another caller
// may acquire the same key, so critical sections must stay well under the
// timeout passed to Acquire.
type Manager struct {
	client        redis.UniversalClient
	logger        *zap.Logger
	keyPrefix     string
	retryInterval time.Duration
}

// Option customizes a Manager.
type Option func(*Manager)

// WithKeyPrefix changes the prefix prepended to every resource id.
func WithKeyPrefix(prefix string) Option {
	return func(m *Manager) { m.keyPrefix = prefix }
}

// WithRetryInterval sets the pause between acquisition attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retryInterval = d
		}
	}
}

// NewManager creates a lock manager backed by the given redis client.
func NewManager(client redis.UniversalClient, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		client:        client,
		logger:        logger,
		keyPrefix:     defaultKeyPrefix,
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) key(resourceID string) string {
	return m.keyPrefix + resourceID
}

// Acquire sets the resource key to a fresh token if it is absent. The key
// expires after timeout, and attempts are retried until the same timeout
// elapses. It returns the owner token needed by Release.
func (m *Manager) Acquire(ctx context.Context, resourceID string, timeout time.Duration) (string, error) {
	if timeout < time.Millisecond {
		return "", fmt.Errorf("%w: got %s", ErrInvalidTimeout, timeout)
	}

	key := m.key(resourceID)
	token := uuid.New().String()
	deadline := time.Now().Add(timeout)

	for {
		ok, err := m.client.SetNX(ctx, key, token, timeout).Result()
		if err != nil {
			return "", fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			m.logger.Debug("lock acquired", zap.String("resource_id", resourceID))
			return token, nil
		}

		if time.Now().Add(m.retryInterval).After(deadline) {
			m.logger.Warn("⏳ lock busy, giving up", zap.String("resource_id", resourceID), zap.Duration("timeout", timeout))
			return "", fmt.Errorf("%w: %s", ErrLockUnavailable, resourceID)
		}

		timer := time.NewTimer(m.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", fmt.Errorf("%w: %s: %w", ErrLockUnavailable, resourceID, ctx.Err())
		case <-timer.C:
		}
	}
}

// Release deletes the lock if, and only if, it is still owned by token. It
// reports false when the lock expired or belongs to somebody else.
func (m *Manager) Release(ctx context.Context, resourceID, token string) (bool, error) {
	key := m.key(resourceID)

	deleted, err := releaseScript.Run(ctx, m.client, []string{key}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	if deleted == 0 {
		m.logger.Warn("lock not owned on release", zap.String("resource_id", resourceID))
		return false, nil
	}

	m.logger.Debug("lock released", zap.String("resource_id", resourceID))
	return true, nil
}

// WithLock runs fn while holding the lock for resourceID. The lock is released
// on every exit path, including panics inside fn.
func (m *Manager) WithLock(ctx context.Context, resourceID string, timeout time.Duration, fn func(ctx context.Context) error) error {
	token, err := m.Acquire(ctx, resourceID, timeout)
	if err != nil {
		return err
	}

	defer func() {
		// release even if the caller's context was cancelled mid-section
		if _, relErr := m.Release(context.WithoutCancel(ctx), resourceID, token); relErr != nil {
			m.logger.Error("❌ failed to release lock", zap.String("resource_id", resourceID), zap.Error(relErr))
		}
	}()

	return fn(ctx)
}
