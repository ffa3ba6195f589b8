package models

import "time"

// SeckillVoucher is a voucher sold in a flash sale with a fixed stock and a
// sale window.
type SeckillVoucher struct {
	VoucherID int64     `db:"voucher_id" json:"voucher_id"`
	Stock     int       `db:"stock" json:"stock"`
	BeginTime time.Time `db:"begin_time" json:"begin_time"`
	EndTime   time.Time `db:"end_time" json:"end_time"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Started reports whether the sale window has opened at now.
func (v *SeckillVoucher) Started(now time.Time) bool {
	return !now.Before(v.BeginTime)
}

// Ended reports whether the sale window has closed at now.
func (v *SeckillVoucher) Ended(now time.Time) bool {
	return now.After(v.EndTime)
}

// VoucherOrder is one admitted purchase. At most one exists per
// (user_id, voucher_id).
type VoucherOrder struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	VoucherID int64     `db:"voucher_id" json:"voucher_id"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Shop is the read-mostly record served through the cache.
type Shop struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	TypeID    int64     `db:"type_id" json:"type_id"`
	Address   string    `db:"address" json:"address"`
	AvgPrice  int64     `db:"avg_price" json:"avg_price"`
	Score     int       `db:"score" json:"score"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// VoucherOrderStatusUnpaid is the status every persisted order starts in.
const VoucherOrderStatusUnpaid = "UNPAID"
