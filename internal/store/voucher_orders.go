package store

import (
	"context"
	"database/sql"
	"fmt"

	"seckill-service/internal/models"
)

// CreateVoucherOrderTx persists one admitted order. Within a single
// transaction it refuses a second order for the same user and voucher,
// decrements the durable stock only while it is positive and inserts the
// order row. The caller is expected to hold the per-user order lock.
func (s *Store) CreateVoucherOrderTx(ctx context.Context, order *models.VoucherOrder) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count int
	err = tx.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM voucher_orders WHERE user_id = $1 AND voucher_id = $2",
		order.UserID, order.VoucherID)
	if err != nil {
		return fmt.Errorf("failed to check existing order: %w", err)
	}
	if count > 0 {
		return ErrOrderExists
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE seckill_vouchers SET stock = stock - 1, updated_at = NOW() WHERE voucher_id = $1 AND stock > 0",
		order.VoucherID)
	if err != nil {
		return fmt.Errorf("failed to decrement stock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStockExhausted
	}

	if order.Status == "" {
		order.Status = models.VoucherOrderStatusUnpaid
	}

	err = tx.GetContext(ctx, &order.CreatedAt, `
		INSERT INTO voucher_orders (id, user_id, voucher_id, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		order.ID, order.UserID, order.VoucherID, order.Status)
	if isUniqueViolation(err) {
		return ErrOrderExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert voucher order: %w", err)
	}

	return tx.Commit()
}

// GetVoucherOrderByID retrieves a voucher order by ID
func (s *Store) GetVoucherOrderByID(ctx context.Context, id int64) (*models.VoucherOrder, error) {
	var order models.VoucherOrder
	err := s.db.GetContext(ctx, &order, "SELECT * FROM voucher_orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}
