// Package lock implements a non-blocking distributed mutex on top of Redis.
//
// A lock is a key holding a random holder token with a lease. TryLock never
// waits: callers that find the key held get ErrLockBusy and decide for
// themselves whether to retry, queue or give up. Release deletes the key only
// while it still holds the caller's token, so a holder whose lease already
// expired cannot release a lock that somebody else has since acquired.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"seckill-service/internal/util"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrLockBusy is returned by TryLock when another holder owns the key.
	ErrLockBusy = errors.New("lock is held by another owner")
	// ErrLockNotHeld is returned by Release when the key expired or was
	// re-acquired by someone else.
	ErrLockNotHeld = errors.New("lock not held")
)

// KeyPrefix is prepended to every resource key.
const KeyPrefix = "lock:"

var releaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('del', KEYS[1])
end
return 0
`)

// Locker hands out per-resource locks.
type Locker struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewLocker creates a Locker backed by rdb.
func NewLocker(rdb *redis.Client) *Locker {
	return &Locker{rdb: rdb, logger: util.GetLogger()}
}

// Lock is one successful acquisition.
type Lock struct {
	rdb   *redis.Client
	key   string
	token string
}

// Key returns the full redis key of the lock.
func (l *Lock) Key() string { return l.key }

// Token returns the holder token written into the key.
func (l *Lock) Token() string { return l.token }

// TryLock makes a single SET NX PX attempt for resource.
func (lk *Locker) TryLock(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	key := KeyPrefix + resource
	token := uuid.NewString()

	ok, err := lk.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockBusy
	}

	return &Lock{rdb: lk.rdb, key: key, token: token}, nil
}

// Release removes the key if it still carries this holder's token.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// TryWithLock runs fn while holding resource. The lock is released whatever
// fn returns; a failed release is logged and never replaces fn's error.
func TryWithLock(ctx context.Context, locker *Locker, resource string, ttl time.Duration, fn func(ctx context.Context) error) error {
	l, err := locker.TryLock(ctx, resource, ttl)
	if err != nil {
		return err
	}
	defer func() {
		// release even when ctx is already cancelled
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.Release(relCtx); err != nil {
			locker.logger.Warn("Failed to release lock", zap.String("key", l.key), zap.Error(err))
		}
	}()

	return fn(ctx)
}
