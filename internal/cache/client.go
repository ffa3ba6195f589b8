// Package cache reads records through Redis with two defences against hot
// and missing keys.
//
// QueryWithPassThrough caches a short-lived empty marker for ids the loader
// reports as missing, so repeated lookups of nonexistent ids stop at Redis.
// QueryWithLogicalExpire serves pre-warmed entries that carry their own
// expiry instead of a store TTL: a stale entry is still returned while a
// single background rebuild refreshes it. QueryWithMutex rebuilds
// synchronously under a per-key lock.
//
// All functions are package level because Go methods cannot take type
// parameters.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"seckill-service/internal/lock"
	"seckill-service/internal/util"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotFound means the key is absent or holds the empty marker.
	ErrNotFound = errors.New("cache: not found")
	// ErrCacheUnavailable is returned when Redis fails or the breaker is open.
	ErrCacheUnavailable = errors.New("cache: unavailable")
)

// emptyMarker is stored for ids the loader reported as missing.
const emptyMarker = ""

type Options struct {
	NullTTL        time.Duration
	RebuildLockTTL time.Duration
	RebuildWorkers int
	// TTLJitter adds up to this much to every TTL written by Set.
	TTLJitter time.Duration
	// RetryInterval is how long QueryWithMutex waits before retrying when
	// another caller is rebuilding the key.
	RetryInterval time.Duration
	// BreakerFailures consecutive read failures open the breaker.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	Logger *zap.Logger
	Now    func() time.Time
}

func (o *Options) setDefaults() {
	if o.NullTTL <= 0 {
		o.NullTTL = 2 * time.Minute
	}
	if o.RebuildLockTTL <= 0 {
		o.RebuildLockTTL = 10 * time.Second
	}
	if o.RebuildWorkers < 1 {
		o.RebuildWorkers = 10
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 50 * time.Millisecond
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = util.GetLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Client struct {
	rdb     *redis.Client
	locker  *lock.Locker
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group
	opts    Options
	log     *zap.Logger

	tasks  chan func()
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// New starts the rebuild pool. Call Close to stop it.
func New(rdb *redis.Client, locker *lock.Locker, opts Options) *Client {
	opts.setDefaults()

	c := &Client{
		rdb:    rdb,
		locker: locker,
		opts:   opts,
		log:    opts.Logger,
		tasks:  make(chan func(), opts.RebuildWorkers*4),
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cache-redis",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		// a caller that went away says nothing about Redis health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	for i := 0; i < opts.RebuildWorkers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for task := range c.tasks {
				task()
			}
		}()
	}

	return c
}

// Close stops accepting rebuilds and waits for queued ones to finish.
func (c *Client) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.tasks)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// BreakerState reports the read breaker's state for diagnostics.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

func (c *Client) submit(task func()) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.tasks <- task:
		return true
	default:
		return false
	}
}

// get returns found=false for a missing key. redis.Nil does not count
// against the breaker.
func (c *Client) get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.breaker.Execute(func() (interface{}, error) {
		s, err := c.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	})
	if err != nil {
		return "", false, fmt.Errorf("%w: get %s: %v", ErrCacheUnavailable, key, err)
	}
	if v == nil {
		return "", false, nil
	}
	return v.(string), true, nil
}

func (c *Client) jitter(ttl time.Duration) time.Duration {
	if c.opts.TTLJitter <= 0 {
		return ttl
	}
	return ttl + time.Duration(rand.Int63n(int64(c.opts.TTLJitter)))
}

func (c *Client) setEmpty(ctx context.Context, key string) {
	if err := c.rdb.Set(ctx, key, emptyMarker, c.opts.NullTTL).Err(); err != nil {
		c.log.Warn("Failed to cache empty marker", zap.String("key", key), zap.Error(err))
	}
}

// Set stores value as JSON under key with a store TTL.
func Set(ctx context.Context, c *Client, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, data, c.jitter(ttl)).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

type logicalEntry[T any] struct {
	Data       T         `json:"data"`
	ExpireTime time.Time `json:"expireTime"`
}

// SetWithLogicalExpire stores value wrapped with an expiry instant of now+ttl
// and no store TTL.
func SetWithLogicalExpire[T any](ctx context.Context, c *Client, key string, value T, ttl time.Duration) error {
	data, err := json.Marshal(logicalEntry[T]{Data: value, ExpireTime: c.opts.Now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Used after the record was written to the database.
func Delete(ctx context.Context, c *Client, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is currently cached.
func Exists(ctx context.Context, c *Client, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

func decode[T any](key, raw string) (*T, error) {
	if raw == emptyMarker {
		return nil, ErrNotFound
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &v, nil
}

// QueryWithPassThrough returns the cached record for id, loading it on a
// miss. A nil result from load is remembered with the empty marker for
// NullTTL and reported as ErrNotFound.
func QueryWithPassThrough[T any, ID any](
	ctx context.Context,
	c *Client,
	keyPrefix string,
	id ID,
	load func(ctx context.Context, id ID) (*T, error),
	ttl time.Duration,
) (*T, error) {
	key := fmt.Sprintf("%s%v", keyPrefix, id)

	raw, found, err := c.get(ctx, key)
	if err != nil {
		util.CacheLookupsTotal.WithLabelValues("pass_through", "error").Inc()
		return nil, err
	}
	if found {
		if raw == emptyMarker {
			util.CacheLookupsTotal.WithLabelValues("pass_through", "empty").Inc()
		} else {
			util.CacheLookupsTotal.WithLabelValues("pass_through", "hit").Inc()
		}
		return decode[T](key, raw)
	}

	util.CacheLookupsTotal.WithLabelValues("pass_through", "miss").Inc()

	v, err := load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	if v == nil {
		c.setEmpty(ctx, key)
		return nil, ErrNotFound
	}

	if err := Set(ctx, c, key, v, ttl); err != nil {
		c.log.Warn("Failed to populate cache", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}

// QueryWithLogicalExpire serves entries written by SetWithLogicalExpire. An
// absent key is ErrNotFound and the loader is not consulted. A stale entry is
// returned as is; the caller that wins the rebuild lock schedules one refresh
// on the rebuild pool.
func QueryWithLogicalExpire[T any, ID any](
	ctx context.Context,
	c *Client,
	keyPrefix string,
	id ID,
	load func(ctx context.Context, id ID) (*T, error),
	ttl time.Duration,
) (*T, error) {
	key := fmt.Sprintf("%s%v", keyPrefix, id)

	entry, err := getLogical[T](ctx, c, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			util.CacheLookupsTotal.WithLabelValues("logical_expire", "miss").Inc()
		} else {
			util.CacheLookupsTotal.WithLabelValues("logical_expire", "error").Inc()
		}
		return nil, err
	}

	if c.opts.Now().Before(entry.ExpireTime) {
		util.CacheLookupsTotal.WithLabelValues("logical_expire", "hit").Inc()
		return &entry.Data, nil
	}

	util.CacheLookupsTotal.WithLabelValues("logical_expire", "stale").Inc()

	l, err := c.locker.TryLock(ctx, key, c.opts.RebuildLockTTL)
	if err != nil {
		if !errors.Is(err, lock.ErrLockBusy) {
			c.log.Warn("Failed to take rebuild lock", zap.String("key", key), zap.Error(err))
		}
		return &entry.Data, nil
	}

	// another caller may have finished a rebuild between our read and the lock
	if fresh, err := getLogical[T](ctx, c, key); err == nil && c.opts.Now().Before(fresh.ExpireTime) {
		releaseRebuildLock(c, l)
		return &fresh.Data, nil
	}

	scheduled := c.submit(func() {
		defer releaseRebuildLock(c, l)

		rctx, cancel := context.WithTimeout(context.Background(), c.opts.RebuildLockTTL)
		defer cancel()

		v, err := load(rctx, id)
		if err != nil {
			util.CacheRebuildsTotal.WithLabelValues("failed").Inc()
			c.log.Error("Cache rebuild failed", zap.String("key", key), zap.Error(err))
			return
		}
		if v == nil {
			if err := Delete(rctx, c, key); err != nil {
				c.log.Warn("Failed to drop vanished entry", zap.String("key", key), zap.Error(err))
			}
			util.CacheRebuildsTotal.WithLabelValues("vanished").Inc()
			return
		}
		if err := SetWithLogicalExpire(rctx, c, key, *v, ttl); err != nil {
			util.CacheRebuildsTotal.WithLabelValues("failed").Inc()
			c.log.Error("Cache rebuild write failed", zap.String("key", key), zap.Error(err))
			return
		}
		util.CacheRebuildsTotal.WithLabelValues("ok").Inc()
	})
	if !scheduled {
		util.CacheRebuildsTotal.WithLabelValues("rejected").Inc()
		releaseRebuildLock(c, l)
	}

	return &entry.Data, nil
}

func getLogical[T any](ctx context.Context, c *Client, key string) (*logicalEntry[T], error) {
	raw, found, err := c.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found || raw == emptyMarker {
		return nil, ErrNotFound
	}
	var entry logicalEntry[T]
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &entry, nil
}

func releaseRebuildLock(c *Client, l *lock.Lock) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Release(ctx); err != nil {
		c.log.Warn("Failed to release rebuild lock", zap.String("key", l.Key()), zap.Error(err))
	}
}

// QueryWithMutex loads a missing key synchronously while holding the per-key
// lock. Callers that find the lock held wait RetryInterval and read again
// until ctx ends. Missing records are cached with the empty marker.
func QueryWithMutex[T any, ID any](
	ctx context.Context,
	c *Client,
	keyPrefix string,
	id ID,
	load func(ctx context.Context, id ID) (*T, error),
	ttl time.Duration,
) (*T, error) {
	key := fmt.Sprintf("%s%v", keyPrefix, id)

	for {
		raw, found, err := c.get(ctx, key)
		if err != nil {
			util.CacheLookupsTotal.WithLabelValues("mutex", "error").Inc()
			return nil, err
		}
		if found {
			util.CacheLookupsTotal.WithLabelValues("mutex", "hit").Inc()
			return decode[T](key, raw)
		}

		util.CacheLookupsTotal.WithLabelValues("mutex", "miss").Inc()

		v, err, _ := c.group.Do(key, func() (interface{}, error) {
			return loadUnderLock(ctx, c, key, id, load, ttl)
		})
		if errors.Is(err, lock.ErrLockBusy) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.opts.RetryInterval):
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return v.(*T), nil
	}
}

func loadUnderLock[T any, ID any](
	ctx context.Context,
	c *Client,
	key string,
	id ID,
	load func(ctx context.Context, id ID) (*T, error),
	ttl time.Duration,
) (*T, error) {
	l, err := c.locker.TryLock(ctx, key, c.opts.RebuildLockTTL)
	if err != nil {
		return nil, err
	}
	defer releaseRebuildLock(c, l)

	raw, found, err := c.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if found {
		return decode[T](key, raw)
	}

	v, err := load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	if v == nil {
		c.setEmpty(ctx, key)
		return nil, ErrNotFound
	}
	if err := Set(ctx, c, key, v, ttl); err != nil {
		c.log.Warn("Failed to populate cache", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}
