package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSeckillVoucherSeedsGateAndCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v, err := env.vouchers.AddSeckillVoucher(ctx, &AddSeckillVoucherRequest{
		VoucherID: 7,
		Stock:     100,
		BeginTime: time.Now(),
		EndTime:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.VoucherID)

	stock, err := env.gate.Stock(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 100, stock)

	assert.True(t, env.mr.Exists(hotVoucherKey(7)))
	// hot entries carry no store TTL
	assert.Zero(t, env.mr.TTL(hotVoucherKey(7)))
}

func TestAddSeckillVoucherValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now()

	_, err := env.vouchers.AddSeckillVoucher(ctx, &AddSeckillVoucherRequest{VoucherID: 1, Stock: -1, BeginTime: now, EndTime: now.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrInvalidVoucher)

	_, err = env.vouchers.AddSeckillVoucher(ctx, &AddSeckillVoucherRequest{VoucherID: 1, Stock: 1, BeginTime: now, EndTime: now})
	assert.ErrorIs(t, err, ErrInvalidVoucher)
}

func TestAddSeckillVoucherStoreFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.err = errors.New("db down")

	_, err := env.vouchers.AddSeckillVoucher(context.Background(), &AddSeckillVoucherRequest{
		VoucherID: 2, Stock: 1, BeginTime: time.Now(), EndTime: time.Now().Add(time.Hour),
	})
	require.Error(t, err)

	// nothing reached the gate
	assert.False(t, env.mr.Exists("seckill:stock:2"))
}

func TestGetSeckillVoucherFallsBackWhenNotWarmed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.openVoucher(t, 8, 3)
	env.mr.Del(hotVoucherKey(8))

	v, err := env.vouchers.GetSeckillVoucher(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, 3, v.Stock)
	assert.True(t, env.mr.Exists("cache:seckill:voucher:8"))
}
