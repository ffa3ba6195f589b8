package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"seckill-service/internal/lock"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type item struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, opts Options) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	opts.Logger = zap.NewNop()
	c := New(rdb, lock.NewLocker(rdb), opts)
	t.Cleanup(c.Close)
	return c, mr
}

func TestPassThroughCachesMissingID(t *testing.T) {
	c, mr := newTestCache(t, Options{NullTTL: time.Minute})
	ctx := context.Background()

	var calls int32
	load := func(ctx context.Context, id int64) (*item, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}

	for i := 0; i < 5; i++ {
		_, err := QueryWithPassThrough(ctx, c, "cache:item:", int64(404), load, time.Hour)
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	raw, err := mr.Get("cache:item:404")
	require.NoError(t, err)
	assert.Equal(t, "", raw)
	assert.Equal(t, time.Minute, mr.TTL("cache:item:404"))

	// after the null TTL the loader is consulted again
	mr.FastForward(time.Minute + time.Second)
	_, err = QueryWithPassThrough(ctx, c, "cache:item:", int64(404), load, time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestPassThroughHitAndMiss(t *testing.T) {
	c, mr := newTestCache(t, Options{})
	ctx := context.Background()

	var calls int32
	load := func(ctx context.Context, id int64) (*item, error) {
		atomic.AddInt32(&calls, 1)
		return &item{ID: id, Name: "shop"}, nil
	}

	got, err := QueryWithPassThrough(ctx, c, "cache:item:", int64(1), load, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "shop", got.Name)

	got, err = QueryWithPassThrough(ctx, c, "cache:item:", int64(1), load, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, time.Hour, mr.TTL("cache:item:1"))
}

func TestPassThroughLoaderError(t *testing.T) {
	c, mr := newTestCache(t, Options{})
	boom := errors.New("db down")

	_, err := QueryWithPassThrough(context.Background(), c, "cache:item:", int64(2),
		func(ctx context.Context, id int64) (*item, error) { return nil, boom }, time.Hour)
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("cache:item:2"))
}

func TestSetAppliesJitter(t *testing.T) {
	c, mr := newTestCache(t, Options{TTLJitter: time.Minute})

	require.NoError(t, Set(context.Background(), c, "cache:item:9", item{ID: 9}, time.Hour))

	ttl := mr.TTL("cache:item:9")
	assert.GreaterOrEqual(t, ttl, time.Hour)
	assert.Less(t, ttl, time.Hour+time.Minute)
}

func TestLogicalExpireAbsentKey(t *testing.T) {
	c, _ := newTestCache(t, Options{})

	var calls int32
	_, err := QueryWithLogicalExpire(context.Background(), c, "cache:hot:", int64(1),
		func(ctx context.Context, id int64) (*item, error) {
			atomic.AddInt32(&calls, 1)
			return &item{ID: id}, nil
		}, time.Second)

	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestLogicalExpireFreshEntry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c, mr := newTestCache(t, Options{Now: clock.Now})
	ctx := context.Background()

	require.NoError(t, SetWithLogicalExpire(ctx, c, "cache:hot:1", item{ID: 1, Name: "v1"}, 20*time.Second))
	assert.Zero(t, mr.TTL("cache:hot:1"))

	got, err := QueryWithLogicalExpire(ctx, c, "cache:hot:", int64(1),
		func(ctx context.Context, id int64) (*item, error) {
			t.Fatal("loader must not run for a fresh entry")
			return nil, nil
		}, 20*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Name)
}

func TestLogicalExpireServesStaleAndRebuildsOnce(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c, _ := newTestCache(t, Options{Now: clock.Now, RebuildWorkers: 4})
	ctx := context.Background()

	require.NoError(t, SetWithLogicalExpire(ctx, c, "cache:hot:7", item{ID: 7, Name: "old"}, 20*time.Second))
	clock.Advance(time.Minute)

	release := make(chan struct{})
	var calls int32
	load := func(ctx context.Context, id int64) (*item, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &item{ID: id, Name: "new"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := QueryWithLogicalExpire(ctx, c, "cache:hot:", int64(7), load, 20*time.Second)
			if assert.NoError(t, err) {
				assert.Equal(t, "old", got.Name)
			}
		}()
	}
	wg.Wait()

	close(release)
	c.Close()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	got, err := QueryWithLogicalExpire(ctx, c, "cache:hot:", int64(7), load, 20*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Name)
}

func TestLogicalExpireRebuildDropsVanishedRecord(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c, mr := newTestCache(t, Options{Now: clock.Now})
	ctx := context.Background()

	require.NoError(t, SetWithLogicalExpire(ctx, c, "cache:hot:8", item{ID: 8}, time.Second))
	clock.Advance(time.Hour)

	_, err := QueryWithLogicalExpire(ctx, c, "cache:hot:", int64(8),
		func(ctx context.Context, id int64) (*item, error) { return nil, nil }, time.Second)
	require.NoError(t, err)

	c.Close()
	assert.False(t, mr.Exists("cache:hot:8"))
}

func TestMutexLoadsOnceUnderConcurrency(t *testing.T) {
	c, _ := newTestCache(t, Options{RetryInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var calls int32
	load := func(ctx context.Context, id int64) (*item, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return &item{ID: id, Name: "voucher"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := QueryWithMutex(ctx, c, "cache:voucher:", int64(3), load, time.Hour)
			if assert.NoError(t, err) {
				assert.Equal(t, "voucher", got.Name)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestMutexWaitsForOtherHolder(t *testing.T) {
	c, mr := newTestCache(t, Options{RetryInterval: 5 * time.Millisecond})
	ctx := context.Background()

	// another process is rebuilding the key
	require.NoError(t, mr.Set("lock:cache:voucher:4", "other"))

	done := make(chan *item, 1)
	go func() {
		got, err := QueryWithMutex(ctx, c, "cache:voucher:", int64(4),
			func(ctx context.Context, id int64) (*item, error) {
				return &item{ID: id, Name: "loaded"}, nil
			}, time.Hour)
		assert.NoError(t, err)
		done <- got
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, Set(ctx, c, "cache:voucher:4", item{ID: 4, Name: "from-other"}, time.Hour))

	select {
	case got := <-done:
		assert.Equal(t, "from-other", got.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("query did not return")
	}
}

func TestMutexCachesMissingID(t *testing.T) {
	c, _ := newTestCache(t, Options{})
	ctx := context.Background()

	var calls int32
	load := func(ctx context.Context, id int64) (*item, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}

	for i := 0; i < 3; i++ {
		_, err := QueryWithMutex(ctx, c, "cache:voucher:", int64(5), load, time.Hour)
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBreakerOpensWhenRedisFails(t *testing.T) {
	c, mr := newTestCache(t, Options{BreakerFailures: 2, BreakerTimeout: time.Minute})
	ctx := context.Background()

	var calls int32
	load := func(ctx context.Context, id int64) (*item, error) {
		atomic.AddInt32(&calls, 1)
		return &item{ID: id}, nil
	}

	mr.Close()

	for i := 0; i < 3; i++ {
		_, err := QueryWithPassThrough(ctx, c, "cache:item:", int64(1), load, time.Hour)
		assert.ErrorIs(t, err, ErrCacheUnavailable)
	}

	assert.Equal(t, gobreaker.StateOpen, c.BreakerState())
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestBreakerIgnoresCancelledCallers(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c, _ := newTestCache(t, Options{Now: clock.Now, BreakerFailures: 2, BreakerTimeout: time.Minute})

	require.NoError(t, SetWithLogicalExpire(context.Background(), c, "cache:hot:1", item{ID: 1, Name: "v1"}, time.Hour))

	load := func(ctx context.Context, id int64) (*item, error) { return &item{ID: id}, nil }

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		_, err := QueryWithLogicalExpire(cancelled, c, "cache:hot:", int64(1), load, time.Hour)
		assert.Error(t, err)
	}

	expired, cancelExpired := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancelExpired()
	for i := 0; i < 5; i++ {
		_, err := QueryWithLogicalExpire(expired, c, "cache:hot:", int64(1), load, time.Hour)
		assert.Error(t, err)
	}

	assert.Equal(t, gobreaker.StateClosed, c.BreakerState())

	got, err := QueryWithLogicalExpire(context.Background(), c, "cache:hot:", int64(1), load, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Name)
}

func TestDelete(t *testing.T) {
	c, mr := newTestCache(t, Options{})
	ctx := context.Background()

	require.NoError(t, Set(ctx, c, "cache:item:6", item{ID: 6}, time.Hour))
	require.NoError(t, Delete(ctx, c, "cache:item:6"))
	assert.False(t, mr.Exists("cache:item:6"))
}

func TestExists(t *testing.T) {
	c, mr := newTestCache(t, Options{})
	ctx := context.Background()

	ok, err := Exists(ctx, c, "cache:item:5")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mr.Set("cache:item:5", "{}"))
	ok, err = Exists(ctx, c, "cache:item:5")
	require.NoError(t, err)
	assert.True(t, ok)
}
