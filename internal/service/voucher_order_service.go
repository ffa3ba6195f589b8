package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"seckill-service/config"
	"seckill-service/internal/idgen"
	"seckill-service/internal/lock"
	"seckill-service/internal/models"
	"seckill-service/internal/redisclient"
	"seckill-service/internal/store"
	"seckill-service/internal/util"

	"go.uber.org/zap"
)

// VoucherOrderStore is the persistence the order path needs
type VoucherOrderStore interface {
	CreateVoucherOrderTx(ctx context.Context, order *models.VoucherOrder) error
	GetVoucherOrderByID(ctx context.Context, id int64) (*models.VoucherOrder, error)
}

// VoucherOrderService admits seckill purchases and persists admitted orders
type VoucherOrderService struct {
	store       VoucherOrderStore
	vouchers    *VoucherService
	gate        *redisclient.Client
	ids         *idgen.Worker
	locker      *lock.Locker
	idNamespace string
	lockTTL     time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// NewVoucherOrderService creates a new voucher order service
func NewVoucherOrderService(
	store VoucherOrderStore,
	vouchers *VoucherService,
	gate *redisclient.Client,
	ids *idgen.Worker,
	locker *lock.Locker,
	cfg config.SeckillConfig,
) *VoucherOrderService {
	return &VoucherOrderService{
		store:       store,
		vouchers:    vouchers,
		gate:        gate,
		ids:         ids,
		locker:      locker,
		idNamespace: cfg.IDNamespace,
		lockTTL:     cfg.OrderLockTTL,
		now:         time.Now,
		logger:      util.GetLogger(),
	}
}

// PlaceOrder decides a purchase attempt synchronously. An admitted attempt
// returns the order id immediately; the order row is written later by the
// order worker.
func (s *VoucherOrderService) PlaceOrder(ctx context.Context, userID, voucherID int64) (int64, error) {
	ctx, span := util.StartSpan(ctx, "VoucherOrderService.PlaceOrder")
	defer span.End()

	voucher, err := s.vouchers.GetSeckillVoucher(ctx, voucherID)
	if err != nil {
		return 0, err
	}

	now := s.now()
	if !voucher.Started(now) {
		util.SeckillAdmissionsTotal.WithLabelValues("not_started").Inc()
		return 0, ErrSeckillNotStarted
	}
	if voucher.Ended(now) {
		util.SeckillAdmissionsTotal.WithLabelValues("ended").Inc()
		return 0, ErrSeckillEnded
	}

	orderID, err := s.ids.NextID(ctx, s.idNamespace)
	if err != nil {
		return 0, fmt.Errorf("failed to generate order id: %w", err)
	}

	start := time.Now()
	result, err := s.gate.TryReserve(ctx, voucherID, userID, orderID)
	util.SeckillGateLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("stock gate failed: %w", err)
	}

	util.SeckillAdmissionsTotal.WithLabelValues(result.String()).Inc()

	switch result {
	case redisclient.ReserveOutOfStock:
		s.logger.Debug("Seckill rejected: out of stock",
			zap.Int64("voucher_id", voucherID), zap.Int64("user_id", userID))
		return 0, ErrOutOfStock
	case redisclient.ReserveAlreadyOrdered:
		s.logger.Debug("Seckill rejected: duplicate order",
			zap.Int64("voucher_id", voucherID), zap.Int64("user_id", userID))
		return 0, ErrDuplicateOrder
	}

	s.logger.Debug("Seckill admitted",
		zap.Int64("order_id", orderID),
		zap.Int64("voucher_id", voucherID),
		zap.Int64("user_id", userID))

	return orderID, nil
}

// HandleVoucherOrder persists one queued order while holding the user's
// order lock. It returns lock.ErrLockBusy when another handler holds the
// lock and store.ErrOrderExists when the order was already persisted.
func (s *VoucherOrderService) HandleVoucherOrder(ctx context.Context, order *models.VoucherOrder) error {
	ctx, span := util.StartSpan(ctx, "VoucherOrderService.HandleVoucherOrder")
	defer span.End()

	resource := fmt.Sprintf("order:%d", order.UserID)
	return lock.TryWithLock(ctx, s.locker, resource, s.lockTTL, func(ctx context.Context) error {
		// finish before the lease can lapse
		txCtx, cancel := context.WithTimeout(ctx, s.lockTTL-s.lockTTL/5)
		defer cancel()

		if err := s.store.CreateVoucherOrderTx(txCtx, order); err != nil {
			return err
		}

		s.logger.Info("Voucher order created",
			zap.Int64("order_id", order.ID),
			zap.Int64("voucher_id", order.VoucherID),
			zap.Int64("user_id", order.UserID))
		return nil
	})
}

// GetOrder retrieves a voucher order by ID
func (s *VoucherOrderService) GetOrder(ctx context.Context, orderID int64) (*models.VoucherOrder, error) {
	order, err := s.store.GetVoucherOrderByID(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}
