package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"seckill-service/config"
	"seckill-service/internal/cache"
	"seckill-service/internal/models"
	"seckill-service/internal/redisclient"
	"seckill-service/internal/store"
	"seckill-service/internal/util"

	"go.uber.org/zap"
)

const (
	voucherHotKeyPrefix = "cache:seckill:voucher:hot:"
	voucherKeyPrefix    = "cache:seckill:voucher:"
)

// VoucherStore is the persistence the voucher service needs
type VoucherStore interface {
	CreateSeckillVoucher(ctx context.Context, v *models.SeckillVoucher) error
	GetSeckillVoucher(ctx context.Context, voucherID int64) (*models.SeckillVoucher, error)
}

// VoucherService publishes seckill vouchers and serves their details
type VoucherService struct {
	store  VoucherStore
	gate   *redisclient.Client
	cache  *cache.Client
	cfg    config.CacheConfig
	logger *zap.Logger
}

// NewVoucherService creates a new voucher service
func NewVoucherService(store VoucherStore, gate *redisclient.Client, c *cache.Client, cfg config.CacheConfig) *VoucherService {
	return &VoucherService{
		store:  store,
		gate:   gate,
		cache:  c,
		cfg:    cfg,
		logger: util.GetLogger(),
	}
}

// AddSeckillVoucherRequest describes a voucher to put on sale
type AddSeckillVoucherRequest struct {
	VoucherID int64     `json:"voucher_id" binding:"required"`
	Stock     int       `json:"stock" binding:"min=0"`
	BeginTime time.Time `json:"begin_time" binding:"required"`
	EndTime   time.Time `json:"end_time" binding:"required"`
}

// AddSeckillVoucher persists the voucher, seeds the stock gate and pre-warms
// the hot cache entry read by PlaceOrder.
func (s *VoucherService) AddSeckillVoucher(ctx context.Context, req *AddSeckillVoucherRequest) (*models.SeckillVoucher, error) {
	ctx, span := util.StartSpan(ctx, "VoucherService.AddSeckillVoucher")
	defer span.End()

	if req.Stock < 0 {
		return nil, fmt.Errorf("%w: negative stock", ErrInvalidVoucher)
	}
	if !req.EndTime.After(req.BeginTime) {
		return nil, fmt.Errorf("%w: end_time must be after begin_time", ErrInvalidVoucher)
	}

	v := &models.SeckillVoucher{
		VoucherID: req.VoucherID,
		Stock:     req.Stock,
		BeginTime: req.BeginTime,
		EndTime:   req.EndTime,
	}
	if err := s.store.CreateSeckillVoucher(ctx, v); err != nil {
		return nil, fmt.Errorf("failed to create seckill voucher: %w", err)
	}

	if err := s.gate.SeedStock(ctx, v.VoucherID, v.Stock); err != nil {
		return nil, fmt.Errorf("failed to seed stock: %w", err)
	}

	if err := cache.SetWithLogicalExpire(ctx, s.cache, hotVoucherKey(v.VoucherID), *v, s.cfg.VoucherLogicalTTL); err != nil {
		// PlaceOrder falls back to the mutex path, so the voucher is still usable
		s.logger.Warn("Failed to warm voucher cache", zap.Int64("voucher_id", v.VoucherID), zap.Error(err))
	}

	s.logger.Info("Seckill voucher published",
		zap.Int64("voucher_id", v.VoucherID),
		zap.Int("stock", v.Stock),
		zap.Time("begin_time", v.BeginTime),
		zap.Time("end_time", v.EndTime))

	return v, nil
}

// GetSeckillVoucher reads the voucher from the hot entry, or through the
// mutex-guarded cache when the voucher was never warmed.
func (s *VoucherService) GetSeckillVoucher(ctx context.Context, voucherID int64) (*models.SeckillVoucher, error) {
	v, err := cache.QueryWithLogicalExpire(ctx, s.cache, voucherHotKeyPrefix, voucherID, s.loadVoucher, s.cfg.VoucherLogicalTTL)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, err
	}

	v, err = cache.QueryWithMutex(ctx, s.cache, voucherKeyPrefix, voucherID, s.loadVoucher, s.cfg.VoucherTTL)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrVoucherNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *VoucherService) loadVoucher(ctx context.Context, voucherID int64) (*models.SeckillVoucher, error) {
	v, err := s.store.GetSeckillVoucher(ctx, voucherID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

func hotVoucherKey(voucherID int64) string {
	return fmt.Sprintf("%s%d", voucherHotKeyPrefix, voucherID)
}
