package service

import "errors"

// Admission outcomes returned by PlaceOrder
var (
	ErrOutOfStock        = errors.New("seckill voucher out of stock")
	ErrDuplicateOrder    = errors.New("user already ordered this voucher")
	ErrVoucherNotFound   = errors.New("seckill voucher not found")
	ErrSeckillNotStarted = errors.New("seckill has not started")
	ErrSeckillEnded      = errors.New("seckill has ended")
)

var (
	ErrOrderNotFound  = errors.New("voucher order not found")
	ErrShopNotFound   = errors.New("shop not found")
	ErrInvalidShop    = errors.New("invalid shop")
	ErrInvalidVoucher = errors.New("invalid seckill voucher")
)
