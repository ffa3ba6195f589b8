package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"seckill-service/config"
	"seckill-service/internal/cache"
	"seckill-service/internal/idgen"
	"seckill-service/internal/lock"
	"seckill-service/internal/models"
	"seckill-service/internal/redisclient"
	"seckill-service/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu        sync.Mutex
	vouchers  map[int64]models.SeckillVoucher
	shops     map[int64]models.Shop
	orders    map[int64]models.VoucherOrder
	shopReads int
	err       error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		vouchers: make(map[int64]models.SeckillVoucher),
		shops:    make(map[int64]models.Shop),
		orders:   make(map[int64]models.VoucherOrder),
	}
}

func (f *fakeStore) CreateSeckillVoucher(ctx context.Context, v *models.SeckillVoucher) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	v.CreatedAt = time.Now()
	v.UpdatedAt = v.CreatedAt
	f.vouchers[v.VoucherID] = *v
	return nil
}

func (f *fakeStore) GetSeckillVoucher(ctx context.Context, voucherID int64) (*models.SeckillVoucher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vouchers[voucherID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &v, nil
}

func (f *fakeStore) GetShopByID(ctx context.Context, id int64) (*models.Shop, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shopReads++
	s, ok := f.shops[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &s, nil
}

func (f *fakeStore) UpdateShop(ctx context.Context, shop *models.Shop) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.shops[shop.ID]; !ok {
		return store.ErrNotFound
	}
	f.shops[shop.ID] = *shop
	return nil
}

func (f *fakeStore) CreateVoucherOrderTx(ctx context.Context, order *models.VoucherOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.UserID == order.UserID && o.VoucherID == order.VoucherID {
			return store.ErrOrderExists
		}
	}
	v := f.vouchers[order.VoucherID]
	if v.Stock <= 0 {
		return store.ErrStockExhausted
	}
	v.Stock--
	f.vouchers[order.VoucherID] = v
	f.orders[order.ID] = *order
	return nil
}

func (f *fakeStore) GetVoucherOrderByID(ctx context.Context, id int64) (*models.VoucherOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

type testEnv struct {
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	store    *fakeStore
	gate     *redisclient.Client
	cache    *cache.Client
	vouchers *VoucherService
	orders   *VoucherOrderService
	shops    *ShopService
}

var testCacheConfig = config.CacheConfig{
	ShopTTL:           30 * time.Minute,
	ShopLogicalTTL:    30 * time.Minute,
	VoucherTTL:        10 * time.Minute,
	NullTTL:           2 * time.Minute,
	VoucherLogicalTTL: 20 * time.Second,
	RebuildLockTTL:    5 * time.Second,
	RebuildWorkers:    2,
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	fs := newFakeStore()
	locker := lock.NewLocker(rdb)
	gate := redisclient.Wrap(rdb, "stream.orders")
	c := cache.New(rdb, locker, cache.Options{
		NullTTL:        testCacheConfig.NullTTL,
		RebuildLockTTL: testCacheConfig.RebuildLockTTL,
		RebuildWorkers: testCacheConfig.RebuildWorkers,
		Logger:         zap.NewNop(),
	})
	t.Cleanup(c.Close)

	vouchers := NewVoucherService(fs, gate, c, testCacheConfig)
	orders := NewVoucherOrderService(fs, vouchers, gate, idgen.NewWorker(rdb), locker, config.SeckillConfig{
		OrderLockTTL: 5 * time.Second,
		IDNamespace:  "order",
	})

	return &testEnv{
		mr:       mr,
		rdb:      rdb,
		store:    fs,
		gate:     gate,
		cache:    c,
		vouchers: vouchers,
		orders:   orders,
		shops:    NewShopService(fs, c, testCacheConfig),
	}
}

// openVoucher publishes a voucher whose sale is running now.
func (e *testEnv) openVoucher(t *testing.T, id int64, stock int) {
	t.Helper()
	_, err := e.vouchers.AddSeckillVoucher(context.Background(), &AddSeckillVoucherRequest{
		VoucherID: id,
		Stock:     stock,
		BeginTime: time.Now().Add(-time.Hour),
		EndTime:   time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("publish voucher: %v", err)
	}
}
