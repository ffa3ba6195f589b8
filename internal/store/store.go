package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"seckill-service/config"
	"seckill-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrOrderExists means the user already holds an order for the voucher.
	ErrOrderExists = errors.New("voucher order already exists")
	// ErrStockExhausted means the database stock reached zero.
	ErrStockExhausted = errors.New("seckill stock exhausted")
)

const uniqueViolation = "23505"

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// CreateSeckillVoucher inserts a voucher offered in a flash sale
func (s *Store) CreateSeckillVoucher(ctx context.Context, v *models.SeckillVoucher) error {
	query := `
		INSERT INTO seckill_vouchers (voucher_id, stock, begin_time, end_time)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query, v.VoucherID, v.Stock, v.BeginTime, v.EndTime).
		Scan(&v.CreatedAt, &v.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("seckill voucher %d already exists", v.VoucherID)
	}
	return err
}

// GetSeckillVoucher retrieves a seckill voucher by ID
func (s *Store) GetSeckillVoucher(ctx context.Context, voucherID int64) (*models.SeckillVoucher, error) {
	var v models.SeckillVoucher
	err := s.db.GetContext(ctx, &v, "SELECT * FROM seckill_vouchers WHERE voucher_id = $1", voucherID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetShopByID retrieves a shop by ID
func (s *Store) GetShopByID(ctx context.Context, id int64) (*models.Shop, error) {
	var shop models.Shop
	err := s.db.GetContext(ctx, &shop, "SELECT * FROM shops WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &shop, nil
}

// UpdateShop overwrites the mutable shop fields
func (s *Store) UpdateShop(ctx context.Context, shop *models.Shop) error {
	query := `
		UPDATE shops
		SET name = $1, type_id = $2, address = $3, avg_price = $4, score = $5, updated_at = NOW()
		WHERE id = $6
		RETURNING updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		shop.Name, shop.TypeID, shop.Address, shop.AvgPrice, shop.Score, shop.ID).
		Scan(&shop.UpdatedAt)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return err
}
