package service

import (
	"context"
	"errors"
	"fmt"

	"seckill-service/config"
	"seckill-service/internal/cache"
	"seckill-service/internal/models"
	"seckill-service/internal/store"
	"seckill-service/internal/util"

	"go.uber.org/zap"
)

const (
	shopKeyPrefix    = "cache:shop:"
	shopHotKeyPrefix = "cache:shop:hot:"
)

type ShopStore interface {
	GetShopByID(ctx context.Context, id int64) (*models.Shop, error)
	UpdateShop(ctx context.Context, shop *models.Shop) error
}

// ShopService serves shop records through the cache
type ShopService struct {
	store  ShopStore
	cache  *cache.Client
	cfg    config.CacheConfig
	logger *zap.Logger
}

func NewShopService(store ShopStore, c *cache.Client, cfg config.CacheConfig) *ShopService {
	return &ShopService{
		store:  store,
		cache:  c,
		cfg:    cfg,
		logger: util.GetLogger(),
	}
}

// QueryByID reads a shop with empty-marker caching of unknown ids.
func (s *ShopService) QueryByID(ctx context.Context, id int64) (*models.Shop, error) {
	shop, err := cache.QueryWithPassThrough(ctx, s.cache, shopKeyPrefix, id, s.loadShop, s.cfg.ShopTTL)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrShopNotFound
	}
	return shop, err
}

// QueryHotByID reads a shop previously warmed with Warm.
func (s *ShopService) QueryHotByID(ctx context.Context, id int64) (*models.Shop, error) {
	shop, err := cache.QueryWithLogicalExpire(ctx, s.cache, shopHotKeyPrefix, id, s.loadShop, s.cfg.ShopLogicalTTL)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrShopNotFound
	}
	return shop, err
}

// Warm writes the shop as a hot entry that never leaves the cache on its own.
func (s *ShopService) Warm(ctx context.Context, id int64) error {
	shop, err := s.store.GetShopByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrShopNotFound
	}
	if err != nil {
		return err
	}
	return cache.SetWithLogicalExpire(ctx, s.cache, fmt.Sprintf("%s%d", shopHotKeyPrefix, id), *shop, s.cfg.ShopLogicalTTL)
}

// Update writes the database first, then drops the cached copy and refreshes
// the hot entry if the shop was warmed.
func (s *ShopService) Update(ctx context.Context, shop *models.Shop) error {
	ctx, span := util.StartSpan(ctx, "ShopService.Update")
	defer span.End()

	if shop.ID == 0 {
		return fmt.Errorf("%w: id is required", ErrInvalidShop)
	}

	err := s.store.UpdateShop(ctx, shop)
	if errors.Is(err, store.ErrNotFound) {
		return ErrShopNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update shop: %w", err)
	}

	if err := cache.Delete(ctx, s.cache, fmt.Sprintf("%s%d", shopKeyPrefix, shop.ID)); err != nil {
		// the entry still expires with ShopTTL
		s.logger.Error("Failed to invalidate shop cache", zap.Int64("shop_id", shop.ID), zap.Error(err))
	}
	s.refreshHot(ctx, shop.ID)
	return nil
}

// refreshHot rewrites a warmed entry from the database. Hot entries have no
// store TTL, so one that cannot be rewritten is deleted instead.
func (s *ShopService) refreshHot(ctx context.Context, id int64) {
	key := fmt.Sprintf("%s%d", shopHotKeyPrefix, id)

	warmed, err := cache.Exists(ctx, s.cache, key)
	if err != nil {
		s.logger.Error("Failed to check hot shop entry", zap.Int64("shop_id", id), zap.Error(err))
		return
	}
	if !warmed {
		return
	}
	if err := s.Warm(ctx, id); err != nil {
		s.logger.Warn("Failed to refresh hot shop entry", zap.Int64("shop_id", id), zap.Error(err))
		if err := cache.Delete(ctx, s.cache, key); err != nil {
			s.logger.Error("Failed to drop hot shop entry", zap.Int64("shop_id", id), zap.Error(err))
		}
	}
}

func (s *ShopService) loadShop(ctx context.Context, id int64) (*models.Shop, error) {
	shop, err := s.store.GetShopByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return shop, err
}
