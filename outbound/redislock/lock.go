// Package redislock provides a Redis-backed run lock so that only one
// processor instance drains the outbox at a time. It wraps redsync and
// satisfies the outbox.RunLock interface.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fieldwork-io/lib-outbound/outbound/outbox"
)

var (
	// ErrClientRequired indicates a lock built without a redis client.
	ErrClientRequired = errors.New("redis client is required")
	// ErrKeyRequired indicates a lock built without a key.
	ErrKeyRequired = errors.New("lock key is required")
)

const defaultExpiry = 30 * time.Second

// Option customizes a Lock.
type Option func(*Lock)

// WithExpiry sets how long the lock is held before it auto-expires. The
// expiry must outlast one processing cycle or another instance can start
// a concurrent drain.
func WithExpiry(expiry time.Duration) Option {
	return func(lock *Lock) {
		if expiry > 0 {
			lock.expiry = expiry
		}
	}
}

// WithLogger sets the logger used for lock diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(lock *Lock) {
		if logger != nil {
			lock.logger = logger
		}
	}
}

// Lock is a single-key distributed lock. Acquisition never retries; a
// held lock reports not-acquired rather than blocking the caller.
type Lock struct {
	mutex  *redsync.Mutex
	key    string
	expiry time.Duration
	logger *zap.Logger
}

var _ outbox.RunLock = (*Lock)(nil)

// New creates a lock on key backed by client.
func New(client redis.UniversalClient, key string, opts ...Option) (*Lock, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	if strings.TrimSpace(key) == "" {
		return nil, ErrKeyRequired
	}

	lock := &Lock{
		key:    key,
		expiry: defaultExpiry,
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(lock)
		}
	}

	rs := redsync.New(goredis.NewPool(client))
	lock.mutex = rs.NewMutex(key,
		redsync.WithExpiry(lock.expiry),
		redsync.WithTries(1),
	)

	return lock, nil
}

// Lock attempts a single acquisition. It returns (false, nil) when another
// holder has the key and an error only for real failures such as network
// errors or context cancellation.
func (lock *Lock) Lock(ctx context.Context) (bool, error) {
	if err := lock.mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			lock.logger.Debug("run lock held elsewhere", zap.String("lock_key", lock.key))
			return false, nil
		}

		return false, fmt.Errorf("acquire run lock %s: %w", lock.key, err)
	}

	lock.logger.Debug("run lock acquired", zap.String("lock_key", lock.key))

	return true, nil
}

// Unlock releases the lock. It returns (false, nil) when the lock already
// expired, which is expected after long cycles.
func (lock *Lock) Unlock(ctx context.Context) (bool, error) {
	ok, err := lock.mutex.UnlockContext(ctx)
	if err != nil {
		if errors.Is(err, redsync.ErrLockAlreadyExpired) {
			return false, nil
		}

		var taken *redsync.ErrTaken
		if errors.As(err, &taken) {
			return false, nil
		}

		return false, fmt.Errorf("release run lock %s: %w", lock.key, err)
	}

	return ok, nil
}

// isContention reports whether err means the key is already locked, as
// opposed to an infrastructure failure. redsync reports contention both
// through ErrFailed and through node-level taken errors.
func isContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}

	var taken *redsync.ErrTaken
	if errors.As(err, &taken) {
		return true
	}

	message := err.Error()

	return strings.Contains(message, "lock already taken") ||
		strings.Contains(message, "failed to acquire lock")
}
